// Command events_smoke logs into a running bridge and tails its
// activity event stream. Useful for eyeballing a deployment.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/adaire-dev/matrix-crm-bridge/internal/monitor"
)

func main() {
	if err := run(); err != nil {
		log.Printf("events_smoke: %v", err)
		os.Exit(1)
	}
}

func run() error {
	addr := flag.String("addr", "http://localhost:8080", "bridge base URL")
	username := flag.String("user", "operator", "admin username")
	password := flag.String("password", "", "admin password")
	timeout := flag.Duration("timeout", time.Minute, "total timeout for the run")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	token, err := login(ctx, *addr, *username, *password)
	if err != nil {
		return err
	}

	wsURL := strings.Replace(*addr, "http", "ws", 1) + "/ws/events?token=" + token
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	for {
		var event monitor.Event
		if err := wsjson.Read(ctx, conn, &event); err != nil {
			return fmt.Errorf("read event: %w", err)
		}
		fmt.Printf("%s  %-17s room=%s ticket=%d %s\n",
			event.Timestamp.Format(time.RFC3339), event.Kind, event.RoomID, event.TicketID, event.Body)
	}
}

func login(ctx context.Context, addr, username, password string) (string, error) {
	payload, err := json.Marshal(map[string]string{"username": username, "password": password})
	if err != nil {
		return "", fmt.Errorf("marshal login: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, addr+"/api/login", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("login: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("login: status %d", resp.StatusCode)
	}

	var auth struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&auth); err != nil {
		return "", fmt.Errorf("decode login response: %w", err)
	}
	return auth.Token, nil
}
