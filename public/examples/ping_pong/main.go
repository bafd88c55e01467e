//go:build ignore

// Ping-pong demo: two clients on one relay daemon exchanging direct
// messages. Start relayd first, then:
//
//	go run ./public/examples/ping_pong -socket ~/.agent-relay/relayd.sock
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
	socket := flag.String("socket", filepath.Join(home, ".agent-relay", "relayd.sock"), "relay socket path")
	rounds := flag.Int("rounds", 3, "number of ping/pong exchanges")
	flag.Parse()

	done := make(chan struct{})

	var ping, pong *client.Client
	var err error

	pong, err = client.New(client.Options{SocketPath: *socket, Name: "Pong"}, func(env *protocol.Envelope) {
		if env.Type != protocol.TypeDeliver {
			return
		}
		var p protocol.SendPayload
		if env.UnmarshalPayload(&p) != nil {
			return
		}
		fmt.Printf("Pong got: %s\n", p.Body)
		if err := pong.Send("Ping", "pong"); err != nil {
			log.Printf("pong send: %v", err)
		}
	})
	if err != nil {
		log.Fatal(err)
	}
	if err := pong.Connect(); err != nil {
		log.Fatal(err)
	}
	defer pong.Close()

	received := 0
	ping, err = client.New(client.Options{SocketPath: *socket, Name: "Ping"}, func(env *protocol.Envelope) {
		if env.Type != protocol.TypeDeliver {
			return
		}
		var p protocol.SendPayload
		if env.UnmarshalPayload(&p) != nil {
			return
		}
		fmt.Printf("Ping got: %s\n", p.Body)
		received++
		if received >= *rounds {
			close(done)
			return
		}
		if err := ping.Send("Pong", "ping"); err != nil {
			log.Printf("ping send: %v", err)
		}
	})
	if err != nil {
		log.Fatal(err)
	}
	if err := ping.Connect(); err != nil {
		log.Fatal(err)
	}
	defer ping.Close()

	if err := ping.Send("Pong", "ping"); err != nil {
		log.Fatal(err)
	}

	select {
	case <-done:
		fmt.Printf("completed %d rounds\n", *rounds)
	case <-time.After(10 * time.Second):
		log.Fatal("timed out")
	}
}
