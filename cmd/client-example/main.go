package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/cachemir/lrukv/pkg/client"
	"github.com/cachemir/lrukv/pkg/config"
	"github.com/cachemir/lrukv/pkg/protocol"
)

func main() {
	interactive := flag.Bool("i", false, "Read text commands from stdin (SET k v, GET k, DEL k, EXPIRE k s, INCR k, DECR k, KEYS p)")
	nodes := flag.String("nodes", "", "Comma-separated server addresses (default: LRUKV_NODES or localhost:6379)")
	flag.Parse()

	cfg, err := config.LoadClientConfig()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	if *nodes != "" {
		cfg.Nodes = strings.Split(*nodes, ",")
	}

	c, err := client.NewWithConfig(cfg)
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	defer c.Close()

	if *interactive {
		repl(c)
		return
	}
	demo(c)
}

func demo(c *client.Client) {
	fmt.Println("=== lrukv Client Example ===")

	fmt.Println("\n--- String Operations ---")

	if err := c.Set("user:1", "john_doe"); err != nil {
		log.Printf("SET failed: %v", err)
	} else {
		fmt.Println("✓ SET user:1 = john_doe")
	}

	if value, found, err := c.Get("user:1"); err != nil {
		log.Printf("GET failed: %v", err)
	} else {
		fmt.Printf("✓ GET user:1 = %s (found: %t)\n", value, found)
	}

	fmt.Println("\n--- Counter Operations ---")

	for _, op := range []struct {
		name string
		fn   func(string) (int64, error)
	}{{"INCR", c.Incr}, {"INCR", c.Incr}, {"DECR", c.Decr}} {
		if value, err := op.fn("counter"); err != nil {
			log.Printf("%s failed: %v", op.name, err)
		} else {
			fmt.Printf("✓ %s counter = %d\n", op.name, value)
		}
	}

	fmt.Println("\n--- Expiration ---")

	if err := c.Set("temp_key", "temp_value"); err != nil {
		log.Printf("SET failed: %v", err)
	}
	if ok, err := c.Expire("temp_key", 5*time.Second); err != nil {
		log.Printf("EXPIRE failed: %v", err)
	} else {
		fmt.Printf("✓ EXPIRE temp_key 5s = %t\n", ok)
	}

	fmt.Println("\n--- Key Listing ---")

	if keys, err := c.Keys("*"); err != nil {
		log.Printf("KEYS failed: %v", err)
	} else {
		fmt.Printf("✓ KEYS * = %v\n", keys)
	}

	fmt.Println("\n--- Cleanup ---")

	if deleted, err := c.Delete("user:1"); err != nil {
		log.Printf("DEL failed: %v", err)
	} else {
		fmt.Printf("✓ DEL user:1 = %t\n", deleted)
	}

	fmt.Println("\n=== Example Complete ===")
}

func repl(c *client.Client) {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			fmt.Print("> ")
			continue
		}
		if strings.EqualFold(line, "quit") || strings.EqualFold(line, "exit") {
			return
		}

		cmd, err := protocol.ParseTextCommand(line)
		if err != nil {
			fmt.Printf("(error) %v\n> ", err)
			continue
		}
		fmt.Println(execute(c, cmd))
		fmt.Print("> ")
	}
}

func execute(c *client.Client, cmd *protocol.Command) string {
	switch cmd.Type {
	case protocol.CmdSet:
		if err := c.Set(cmd.Key, cmd.Value); err != nil {
			return fmt.Sprintf("(error) %v", err)
		}
		return protocol.ReplyOK
	case protocol.CmdGet:
		value, found, err := c.Get(cmd.Key)
		switch {
		case err != nil:
			return fmt.Sprintf("(error) %v", err)
		case !found:
			return "(nil)"
		default:
			return fmt.Sprintf("%q", value)
		}
	case protocol.CmdDelete:
		return boolReply(c.Delete(cmd.Key))
	case protocol.CmdExpire:
		return boolReply(c.Expire(cmd.Key, time.Duration(cmd.Seconds)*time.Second))
	case protocol.CmdIncr:
		return intReply(c.Incr(cmd.Key))
	case protocol.CmdDecr:
		return intReply(c.Decr(cmd.Key))
	case protocol.CmdKeys:
		keys, err := c.Keys(cmd.Pattern)
		if err != nil {
			return fmt.Sprintf("(error) %v", err)
		}
		return protocol.EncodeKeyList(keys)
	default:
		return fmt.Sprintf("(error) unsupported command %s", cmd.Type)
	}
}

func boolReply(ok bool, err error) string {
	switch {
	case err != nil:
		return fmt.Sprintf("(error) %v", err)
	case ok:
		return "(integer) 1"
	default:
		return "(integer) 0"
	}
}

func intReply(n int64, err error) string {
	if err != nil {
		return fmt.Sprintf("(error) %v", err)
	}
	return fmt.Sprintf("(integer) %d", n)
}
