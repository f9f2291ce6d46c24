package command

import (
	"strconv"
	"strings"

	"github.com/lojhan/chainmap/internal/resp"
	"github.com/lojhan/chainmap/internal/store"
)

func SetCommand(s *store.Store) func([]resp.Value) resp.Value {
	return func(args []resp.Value) resp.Value {
		if len(args) < 2 {
			return wrongArity("set")
		}
		strs, ok := stringArgs(args)
		if !ok {
			return resp.ErrorValue("ERR invalid argument type")
		}
		key, value := strs[0], strs[1]

		nx, xx := false, false
		for _, option := range strs[2:] {
			switch strings.ToUpper(option) {
			case "NX":
				nx = true
			case "XX":
				xx = true
			default:
				return resp.ErrorValue("ERR syntax error")
			}
		}

		switch {
		case nx && xx:
			return resp.ErrorValue("ERR syntax error")
		case nx:
			if !s.SetNX(key, value) {
				return resp.NullBulkStringValue()
			}
		case xx:
			if !s.SetXX(key, value) {
				return resp.NullBulkStringValue()
			}
		default:
			s.Set(key, value)
		}
		return resp.OKValue()
	}
}

func GetCommand(s *store.Store) func([]resp.Value) resp.Value {
	return func(args []resp.Value) resp.Value {
		if len(args) != 1 {
			return wrongArity("get")
		}
		if args[0].Type != resp.BulkString {
			return resp.ErrorValue("ERR invalid argument type")
		}

		value, exists := s.Get(args[0].Str)
		if !exists {
			return resp.NullBulkStringValue()
		}
		return resp.BulkStringValue(value)
	}
}

func DelCommand(s *store.Store) func([]resp.Value) resp.Value {
	return func(args []resp.Value) resp.Value {
		if len(args) == 0 {
			return wrongArity("del")
		}
		keys, ok := stringArgs(args)
		if !ok {
			return resp.ErrorValue("ERR invalid argument type")
		}

		var count int64
		for _, key := range keys {
			if s.Delete(key) {
				count++
			}
		}
		return resp.IntegerValue(count)
	}
}

func ExistsCommand(s *store.Store) func([]resp.Value) resp.Value {
	return func(args []resp.Value) resp.Value {
		if len(args) == 0 {
			return wrongArity("exists")
		}
		keys, ok := stringArgs(args)
		if !ok {
			return resp.ErrorValue("ERR invalid argument type")
		}

		var count int64
		for _, key := range keys {
			if s.Exists(key) {
				count++
			}
		}
		return resp.IntegerValue(count)
	}
}

func incrBy(s *store.Store, key string, delta int64) resp.Value {
	n, err := s.Incr(key, delta)
	if err != nil {
		return resp.ErrorValue(err.Error())
	}
	return resp.IntegerValue(n)
}

func IncrCommand(s *store.Store) func([]resp.Value) resp.Value {
	return func(args []resp.Value) resp.Value {
		if len(args) != 1 {
			return wrongArity("incr")
		}
		if args[0].Type != resp.BulkString {
			return resp.ErrorValue("ERR invalid argument type")
		}
		return incrBy(s, args[0].Str, 1)
	}
}

func DecrCommand(s *store.Store) func([]resp.Value) resp.Value {
	return func(args []resp.Value) resp.Value {
		if len(args) != 1 {
			return wrongArity("decr")
		}
		if args[0].Type != resp.BulkString {
			return resp.ErrorValue("ERR invalid argument type")
		}
		return incrBy(s, args[0].Str, -1)
	}
}

func IncrByCommand(s *store.Store) func([]resp.Value) resp.Value {
	return func(args []resp.Value) resp.Value {
		if len(args) != 2 {
			return wrongArity("incrby")
		}
		strs, ok := stringArgs(args)
		if !ok {
			return resp.ErrorValue("ERR invalid argument type")
		}
		delta, err := strconv.ParseInt(strs[1], 10, 64)
		if err != nil {
			return resp.ErrorValue(store.ErrNotInteger.Error())
		}
		return incrBy(s, strs[0], delta)
	}
}
