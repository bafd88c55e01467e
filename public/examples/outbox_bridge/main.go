//go:build ignore

// Outbox bridge demo: drops a message file into the outbox directory and
// receives it in-band as a connected client. Demonstrates the file-to-wire
// path of the watchdog.
//
//	go run ./public/examples/outbox_bridge -root ~/.agent-relay
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/agent-relay/relayd/internal/protocol"
	"github.com/agent-relay/relayd/public/client"
)

func main() {
	home, _ := os.UserHomeDir()
	root := flag.String("root", filepath.Join(home, ".agent-relay"), "relay root directory")
	flag.Parse()

	got := make(chan string, 1)
	c, err := client.New(client.Options{
		SocketPath: filepath.Join(*root, "relayd.sock"),
		Name:       "Receiver",
	}, func(env *protocol.Envelope) {
		if env.Type != protocol.TypeDeliver {
			return
		}
		var p protocol.SendPayload
		if env.UnmarshalPayload(&p) == nil {
			got <- fmt.Sprintf("from %s: %s", env.From, p.Body)
		}
	})
	if err != nil {
		log.Fatal(err)
	}
	if err := c.Connect(); err != nil {
		log.Fatal(err)
	}
	defer c.Close()

	// A file-only agent writes into its outbox directory; the daemon's
	// watchdog picks it up, delivers it and archives the file.
	dir := filepath.Join(*root, "outbox", "FileAgent")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Fatal(err)
	}
	content := "TO: Receiver\nTYPE: send\n\nhello from a file"
	if err := os.WriteFile(filepath.Join(dir, "message"), []byte(content), 0o644); err != nil {
		log.Fatal(err)
	}
	fmt.Println("dropped outbox file, waiting for in-band delivery...")

	select {
	case msg := <-got:
		fmt.Println("received", msg)
	case <-time.After(10 * time.Second):
		log.Fatal("timed out waiting for delivery")
	}
}
