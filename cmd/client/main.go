// Command client is a line-oriented console for a synchronized document.
//
//	put <key> <value>   propose a write
//	del <key>           propose a delete
//	get <key>           read from the local replica
//	list                dump the local replica
//	status              session id, state, version, fingerprint
//	resync              force a full resynchronization
//	quit
package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/ConstantineB6/femtanyl.systems/pkg/client"
	"github.com/ConstantineB6/femtanyl.systems/pkg/model"
	"github.com/ConstantineB6/femtanyl.systems/pkg/transport"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:7420", "server TCP address")
	wsURL := flag.String("ws", "", "websocket URL (overrides -addr), e.g. ws://127.0.0.1:3000/ws")
	doc := flag.String("doc", "main", "document to join")
	name := flag.String("name", "console", "client name sent in the handshake")
	watch := flag.Bool("watch", true, "print protocol events")
	flag.Parse()

	var (
		conn transport.Conn
		err  error
	)
	if *wsURL != "" {
		conn, err = transport.DialWS(*wsURL, "http://localhost/")
	} else {
		conn, err = transport.DialTCP(*addr, 5*time.Second)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "dial: %v\n", err)
		os.Exit(1)
	}

	events := make(chan client.Event, 64)
	c := client.New(conn, client.WithDoc(*doc), client.WithName(*name), client.WithEvents(events))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err = c.Connect(ctx)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		os.Exit(1)
	}
	defer c.Close()

	fmt.Printf("session %s on %q at version %d\n", c.SessionID(), *doc, c.Version())

	if *watch {
		go func() {
			for ev := range events {
				if ev.Type == client.EventAck {
					// the prompt already reports the submit outcome
					continue
				}
				fmt.Printf("\r[%s] %v\n> ", ev.Type, ev.Fields)
			}
		}()
	}

	in := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	for in.Scan() {
		if !execute(c, strings.Fields(in.Text())) {
			return
		}
		fmt.Print("> ")
	}
}

func execute(c *client.Client, args []string) bool {
	if len(args) == 0 {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch args[0] {
	case "put":
		if len(args) < 3 {
			fmt.Println("usage: put <key> <value>")
			return true
		}
		value := strings.Join(args[2:], " ")
		v, err := c.Submit(ctx, model.Put(args[1], []byte(value)))
		report(v, err)
	case "del":
		if len(args) != 2 {
			fmt.Println("usage: del <key>")
			return true
		}
		v, err := c.Submit(ctx, model.Del(args[1]))
		report(v, err)
	case "get":
		if len(args) != 2 {
			fmt.Println("usage: get <key>")
			return true
		}
		if val, ok := c.Get(args[1]); ok {
			fmt.Printf("%s\n", val)
		} else {
			fmt.Println("(missing)")
		}
	case "list":
		snap := c.Snapshot()
		keys := make([]string, 0, len(snap.Entries))
		byKey := make(map[string][]byte, len(snap.Entries))
		for _, e := range snap.Entries {
			keys = append(keys, e.Key)
			byKey[e.Key] = e.Value
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("  %-24s %s\n", k, byKey[k])
		}
		fmt.Printf("version %d, %d keys\n", snap.Version, len(keys))
	case "status":
		fp := c.Fingerprint()
		fmt.Printf("session     %s\n", c.SessionID())
		fmt.Printf("state       %s\n", c.State())
		fmt.Printf("version     %d\n", c.Version())
		fmt.Printf("fingerprint %s\n", hex.EncodeToString(fp[:8]))
	case "resync":
		if err := c.Resync(); err != nil {
			fmt.Printf("resync: %v\n", err)
		}
	case "quit", "exit":
		return false
	default:
		fmt.Printf("unknown command %q\n", args[0])
	}
	return true
}

func report(v uint64, err error) {
	if err != nil {
		fmt.Printf("submit: %v\n", err)
		return
	}
	fmt.Printf("ok, version %d\n", v)
}
