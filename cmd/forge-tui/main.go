package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/url"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:9090", "forge gateway address")
	projectID := flag.String("project", "", "project id to watch (required)")
	token := flag.String("token", os.Getenv("FORGE_TOKEN"), "bearer token (defaults to $FORGE_TOKEN)")
	flag.Parse()

	if *projectID == "" {
		fmt.Fprintln(os.Stderr, "forge-tui: -project is required")
		os.Exit(1)
	}

	events := make(chan busEvent, 256)
	go streamEvents(*addr, *projectID, *token, events)

	m := newModel(*addr, *projectID, *token, events)
	p := tea.NewProgram(m, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintln(os.Stderr, "forge-tui:", err)
		os.Exit(1)
	}
}

// streamEvents dials the gateway's event-stream WebSocket and decodes each
// frame onto events. It runs for the lifetime of the process; reconnects are
// left to the operator (re-run the command) rather than attempted silently.
func streamEvents(addr, projectID, token string, events chan<- busEvent) {
	u := url.URL{Scheme: "ws", Host: addr, Path: "/api/v1/events", RawQuery: "project_id=" + url.QueryEscape(projectID)}
	header := make(map[string][]string)
	if token != "" {
		header["Authorization"] = []string{"Bearer " + token}
	}

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), header)
	if err != nil {
		close(events)
		return
	}
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			close(events)
			return
		}
		var ev busEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		events <- ev
	}
}
