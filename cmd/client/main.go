package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/HMasataka/tether/internal/logging"
	"github.com/HMasataka/tether/pkg/domain"
)

func main() {
	var (
		serverAddr = flag.String("server", "ws://localhost:8080/ws", "websocket server URL")
		userID     = flag.String("user", "", "user id (required)")
		threadID   = flag.String("thread", "", "thread id")
		runID      = flag.String("run", "", "run id")
		tier       = flag.String("tier", "", "rate limit tier (free, early, mid, enterprise)")
		logLevel   = flag.String("log-level", "info", "log level (debug, info, warn, error)")
	)
	flag.Parse()

	if *userID == "" {
		log.Fatal("-user is required")
	}

	logger := logging.New(logging.Config{
		Level:  *logLevel,
		Format: "text",
	})

	serverURL, err := url.Parse(*serverAddr)
	if err != nil {
		log.Fatalf("invalid server URL: %v", err)
	}
	q := serverURL.Query()
	for k, v := range map[string]string{"thread_id": *threadID, "run_id": *runID, "tier": *tier} {
		if v != "" {
			q.Set(k, v)
		}
	}
	serverURL.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("X-User-ID", *userID)

	conn, resp, err := websocket.DefaultDialer.Dial(serverURL.String(), header)
	if err != nil {
		if resp != nil {
			log.Fatalf("failed to connect: %v (status %d)", err, resp.StatusCode)
		}
		log.Fatalf("failed to connect: %v", err)
	}
	defer conn.Close()

	logger.Info("connected", "server", serverURL.String(), "user_id", *userID)

	outbound := make(chan []byte, 16)
	done := make(chan struct{})

	go func() {
		defer close(done)
		readLoop(conn, outbound, logger)
	}()

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			outbound <- encodeLine(line)
		}
	}()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	for {
		select {
		case <-done:
			return
		case data := <-outbound:
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Error("write failed", "error", err)
				return
			}
		case <-interrupt:
			logger.Info("closing")
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, domain.ReasonClientClosed))
			select {
			case <-done:
			case <-time.After(time.Second):
			}
			return
		}
	}
}

// readLoop prints server frames and answers server pings
func readLoop(conn *websocket.Conn, outbound chan<- []byte, logger *logging.Logger) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				logger.Info("connection closed by server", "code", closeErr.Code, "reason", closeErr.Text)
				return
			}
			logger.Error("read failed", "error", err)
			return
		}

		var msg struct {
			Type    domain.MessageType `json:"type"`
			Payload json.RawMessage    `json:"payload"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			fmt.Printf("< %s\n", data)
			continue
		}

		if msg.Type == domain.MessageTypePing {
			pong, _ := json.Marshal(domain.NewMessage(domain.MessageTypePong, nil))
			outbound <- pong
			logger.Debug("answered ping")
			continue
		}
		fmt.Printf("< [%s] %s\n", msg.Type, msg.Payload)
	}
}

// encodeLine sends JSON input as is and wraps anything else in a message
// envelope
func encodeLine(line string) []byte {
	if json.Valid([]byte(line)) && strings.HasPrefix(line, "{") {
		return []byte(line)
	}
	data, _ := json.Marshal(domain.NewMessage("message", line))
	return data
}
