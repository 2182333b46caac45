// Package cmd 提供 neonspark 命令行工具的所有子命令实现。
// 本文件实现 watch 命令，通过 WebSocket 接收网关推送的服务状态。
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch [request-id...]",
	Short: "Stream service status updates",
	Long: `Connect to the gateway's WebSocket endpoint and print every pushed
message. Request IDs given as arguments are sent as subscriptions.

Examples:
  neonspark watch
  neonspark watch --count 3 -o json`,
	RunE: runWatch,
}

var (
	watchClientID string // WebSocket 客户端 ID，为空时自动生成
	watchCount    int    // 收到指定条数后退出，0 表示不限
)

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().StringVar(&watchClientID, "client-id", "", "Client ID (default: random UUID)")
	watchCmd.Flags().IntVarP(&watchCount, "count", "n", 0, "Exit after receiving N messages (0 = unlimited)")
}

// wsMessage 是服务端推送的消息
type wsMessage struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Message   string          `json:"message,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func runWatch(cmd *cobra.Command, args []string) error {
	clientID := watchClientID
	if clientID == "" {
		clientID = uuid.NewString()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, NewClient().WebSocketURL(clientID), nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	// 信号到达时关闭连接，让阻塞的读取返回
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for _, id := range args {
		if err := conn.WriteJSON(map[string]string{"type": "subscribe", "request_id": id}); err != nil {
			return fmt.Errorf("failed to subscribe %s: %w", id, err)
		}
	}

	printer := NewPrinter(cmd.OutOrStdout())
	received := 0
	for watchCount == 0 || received < watchCount {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("connection lost: %w", err)
		}
		received++
		if err := printWatchMessage(printer, &msg); err != nil {
			return err
		}
	}

	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return nil
}

// printWatchMessage 输出一条推送消息。
// json 每条一行；yaml 每条一个文档；table 格式下状态消息压缩为一行。
func printWatchMessage(p *Printer, msg *wsMessage) error {
	switch p.format {
	case "json":
		raw, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(p.writer, string(raw))
		return err
	case "yaml":
		doc := map[string]interface{}{"type": msg.Type, "timestamp": msg.Timestamp}
		if msg.Message != "" {
			doc["message"] = msg.Message
		}
		if len(msg.Data) > 0 {
			var data interface{}
			if err := json.Unmarshal(msg.Data, &data); err != nil {
				return err
			}
			doc["data"] = data
		}
		fmt.Fprintln(p.writer, "---")
		return p.printYAML(doc)
	}

	w := p.writer
	switch msg.Type {
	case "service_status", "service_status_update":
		var st ServiceStatus
		if err := json.Unmarshal(msg.Data, &st); err != nil {
			fmt.Fprintf(w, "%s  %s  (unreadable status)\n", msg.Timestamp, msg.Type)
			return nil
		}
		fmt.Fprintf(w, "%s  %-22s %s  active=%d total=%d success=%.1f%%\n",
			msg.Timestamp, msg.Type, colorStatus(st.Status),
			st.ActiveRequests, st.TotalRequests, st.SuccessRate)
	case "error":
		fmt.Fprintf(w, "%s  error  %s\n", msg.Timestamp, msg.Message)
	default:
		fmt.Fprintf(w, "%s  %s\n", msg.Timestamp, msg.Type)
	}
	return nil
}
