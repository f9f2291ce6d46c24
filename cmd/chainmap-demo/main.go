// Command chainmap-demo walks through the basic operations of the chained
// hash map.
package main

import (
	"errors"
	"fmt"

	"github.com/lojhan/chainmap/internal/hashmap"
)

func main() {
	doubleNumbers := hashmap.NewDefault[string, int]()
	doubleNumbers.Put("1", 2)
	doubleNumbers.Put("2", 4)
	doubleNumbers.Put("3", 6)

	double1, _ := doubleNumbers.Get("1")
	fmt.Printf("Double of 1 is %d\n", double1)

	if _, err := doubleNumbers.Get("4"); errors.Is(err, hashmap.ErrKeyNotFound) {
		fmt.Println(err)
	} else {
		fmt.Println("Should have failed with a missing key!")
	}

	fmt.Printf("There are now %d items in the map\n", doubleNumbers.Len())
	if err := doubleNumbers.Remove("2"); err != nil {
		fmt.Println(err)
	}
	fmt.Printf("There are now %d items in the map\n", doubleNumbers.Len())
}
