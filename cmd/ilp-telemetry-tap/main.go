// Command ilp-telemetry-tap connects to a telemetry hub as a subscriber
// and prints every event it receives as a header line followed by one
// line per field — a raw-traffic
// inspection tool for the connector's telemetry wire format, the same
// role debug-raw played against raw OpenBMP/BGP Kafka frames.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

func main() {
	addr := "ws://localhost:7300/ingest"
	if len(os.Args) > 1 {
		addr = os.Args[1]
	}

	conn, _, err := websocket.DefaultDialer.Dial(addr, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dial %s: %v\n", addr, err)
		os.Exit(1)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ClientConnect"}`)); err != nil {
		fmt.Fprintf(os.Stderr, "send ClientConnect: %v\n", err)
		os.Exit(1)
	}

	msgNum := 0
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			fmt.Fprintf(os.Stderr, "read: %v\n", err)
			break
		}
		msgNum++
		printEvent(msgNum, raw)
	}

	fmt.Printf("Total messages: %d\n", msgNum)
}

func printEvent(n int, raw []byte) {
	var parsed map[string]any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		fmt.Printf("=== msg %d: unparseable (%d bytes): %v ===\n", n, len(raw), err)
		return
	}

	eventType, _ := parsed["type"].(string)
	nodeID, _ := parsed["nodeId"].(string)
	ts, _ := parsed["timestamp"].(string)
	if ts == "" {
		ts = time.Now().UTC().Format(time.RFC3339Nano)
	}

	fmt.Printf("=== msg %d: %s node=%q at=%s ===\n", n, eventType, nodeID, ts)
	for k, v := range parsed {
		switch k {
		case "type", "nodeId", "timestamp":
			continue
		}
		fmt.Printf("  %s: %v\n", k, v)
	}
}
