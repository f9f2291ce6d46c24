package command

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/lojhan/chainmap/internal/resp"
	"github.com/lojhan/chainmap/internal/store"
)

const Version = "1.0.0"

func wrongArity(name string) resp.Value {
	return resp.ErrorValue(fmt.Sprintf("ERR wrong number of arguments for '%s' command", name))
}

// stringArgs returns the arguments as strings. Every argument must be a
// bulk string.
func stringArgs(args []resp.Value) ([]string, bool) {
	out := make([]string, len(args))
	for i, arg := range args {
		if arg.Type != resp.BulkString || arg.Null {
			return nil, false
		}
		out[i] = arg.Str
	}
	return out, true
}

func PingCommand(args []resp.Value) resp.Value {
	switch len(args) {
	case 0:
		return resp.PongValue()
	case 1:
		if args[0].Type != resp.BulkString {
			return resp.ErrorValue("ERR invalid argument type")
		}
		return args[0]
	default:
		return wrongArity("ping")
	}
}

func EchoCommand(args []resp.Value) resp.Value {
	if len(args) != 1 {
		return wrongArity("echo")
	}
	if args[0].Type != resp.BulkString {
		return resp.ErrorValue("ERR invalid argument type")
	}
	return args[0]
}

// InfoCommand reports server, client and keyspace sections. clients
// returns the current number of open connections.
func InfoCommand(s *store.Store, clients func() int64) func([]resp.Value) resp.Value {
	return func(args []resp.Value) resp.Value {
		if len(args) > 1 {
			return wrongArity("info")
		}
		section := "all"
		if len(args) == 1 {
			if args[0].Type != resp.BulkString {
				return resp.ErrorValue("ERR invalid argument type")
			}
			section = strings.ToLower(args[0].Str)
		}

		var b strings.Builder
		all := section == "all" || section == "default"
		if all || section == "server" {
			b.WriteString("# Server\r\n")
			fmt.Fprintf(&b, "chainmap_version:%s\r\n", Version)
			fmt.Fprintf(&b, "go_version:%s\r\n", runtime.Version())
			fmt.Fprintf(&b, "os:%s\r\n", runtime.GOOS)
			fmt.Fprintf(&b, "arch:%s\r\n", runtime.GOARCH)
		}
		if all || section == "clients" {
			if b.Len() > 0 {
				b.WriteString("\r\n")
			}
			b.WriteString("# Clients\r\n")
			fmt.Fprintf(&b, "connected_clients:%d\r\n", clients())
		}
		if all || section == "keyspace" {
			if b.Len() > 0 {
				b.WriteString("\r\n")
			}
			keys, buckets := s.Len(), s.Buckets()
			b.WriteString("# Keyspace\r\n")
			fmt.Fprintf(&b, "keys:%d\r\n", keys)
			fmt.Fprintf(&b, "buckets:%d\r\n", buckets)
			fmt.Fprintf(&b, "load_factor:%.2f\r\n", float64(keys)/float64(buckets))
		}
		return resp.BulkStringValue(b.String())
	}
}

func DBSizeCommand(s *store.Store) func([]resp.Value) resp.Value {
	return func(args []resp.Value) resp.Value {
		if len(args) != 0 {
			return wrongArity("dbsize")
		}
		return resp.IntegerValue(int64(s.Len()))
	}
}
