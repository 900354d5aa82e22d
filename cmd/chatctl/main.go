// chatctl is a terminal listener for one chat. It connects to the
// server's websocket, authenticates, joins the chat and prints events
// as they arrive. Useful for support staff and for poking a running
// server by hand.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Netflix/go-env"
	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	"github.com/mama165/sdk-go/logs"

	"rescue-chat/domain"
	"rescue-chat/domain/event"
	"rescue-chat/projection"
	"rescue-chat/ws"
)

// Exit codes for the client application.
const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

type Config struct {
	ServerURL string `env:"CHAT_SERVER_URL,default=ws://localhost:8080/ws"`
	Token     string `env:"CHAT_TOKEN,required=true"`
	ChatID    string `env:"CHAT_ID,required=true"`
	LogLevel  string `env:"LOG_LEVEL,default=INFO"`
}

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "chatctl error: %v\n", err)
	}
	os.Exit(code)
}

// run handles the websocket client lifecycle: configuration loading,
// authentication, join and the event loop.
func run() (int, error) {
	// 1. Load configuration from environment variables.
	_ = godotenv.Load()
	var config Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return exitConfig, fmt.Errorf("config error: %w", err)
	}

	log := logs.GetLoggerFromString(config.LogLevel)

	// 2. Setup context to handle termination signals (Ctrl+C).
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Connect and authenticate.
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, config.ServerURL, nil)
	if err != nil {
		return exitRuntime, fmt.Errorf("could not connect to %s: %w", config.ServerURL, err)
	}
	defer func() {
		log.Info("Closing connection...")
		_ = conn.Close()
	}()

	if err := send(conn, "authenticate", map[string]string{"token": config.Token}); err != nil {
		return exitRuntime, err
	}
	if err := send(conn, "join_chat", map[string]string{"chat_id": config.ChatID}); err != nil {
		return exitRuntime, err
	}

	log.Info("Connected, listening (Ctrl+C to quit)...",
		"server", config.ServerURL, "chat_id", config.ChatID)

	// Unblock the read loop when a signal arrives.
	go func() {
		<-ctx.Done()
		_ = conn.SetReadDeadline(time.Now())
	}()

	// 4. Event loop.
	timeline := projection.NewTimeline(domain.ChatID(config.ChatID))
	for {
		var frame ws.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			if ctx.Err() != nil {
				log.Info("Stopping client...")
				return exitOK, nil
			}
			return exitRuntime, fmt.Errorf("read error: %w", err)
		}
		if evt := decodeEvent(frame); evt != nil {
			timeline.Consume(evt)
		}
		printFrame(frame, timeline)
	}
}

func send(conn *websocket.Conn, name string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if err := conn.WriteJSON(ws.Frame{Event: name, Data: raw}); err != nil {
		return fmt.Errorf("sending %s: %w", name, err)
	}
	return nil
}

func decodeEvent(frame ws.Frame) event.ChatEvent {
	switch frame.Event {
	case "new_message":
		var evt event.NewMessage
		if json.Unmarshal(frame.Data, &evt) == nil {
			return evt
		}
	case "read_status_updated":
		var evt event.ReadStatusUpdated
		if json.Unmarshal(frame.Data, &evt) == nil {
			return evt
		}
	}
	return nil
}

func printFrame(frame ws.Frame, timeline *projection.Timeline) {
	switch frame.Event {
	case "new_message":
		messages := timeline.Messages()
		if len(messages) == 0 {
			return
		}
		last := messages[len(messages)-1]
		fmt.Printf("[%s] %s: %s\n",
			last.CreatedAt.Format(time.TimeOnly), last.SenderID, last.Content)
	case "user_typing":
		var evt event.UserTyping
		if json.Unmarshal(frame.Data, &evt) == nil {
			fmt.Printf("... %s is typing\n", evt.UserID)
		}
	case "user_stopped_typing":
		// quiet
	case "error":
		var notice event.Notice
		if json.Unmarshal(frame.Data, &notice) == nil {
			fmt.Printf("!! %s: %s\n", notice.Event, notice.Message)
		}
	default:
		fmt.Printf("-- %s %s\n", frame.Event, string(frame.Data))
	}
}
