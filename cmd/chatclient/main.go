package main

import (
	"bufio"
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"carechat/internal/client"
	clog "carechat/internal/log"
	"carechat/internal/protocol"

	"github.com/rs/zerolog/log"
)

// chatclient 连接 carechat，加入指定会话并打印收到的事件。
// 标准输入支持：typing <会话>、stop <会话>、read <消息>、join <会话>、leave <会话>。
func main() {
	var (
		url   = flag.String("url", "ws://localhost:8080/ws", "WebSocket 地址")
		token = flag.String("token", os.Getenv("CARECHAT_TOKEN"), "访问令牌，默认读取 CARECHAT_TOKEN")
		rooms = flag.String("rooms", "", "逗号分隔的会话 id")
		level = flag.String("log-level", "info", "日志级别")
	)
	flag.Parse()
	clog.Init("dev", *level)
	if *token == "" {
		log.Fatal().Msg("token is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	done := make(chan struct{})
	m := client.New(client.Options{
		URL:   *url,
		Token: *token,
		OnEvent: func(e protocol.Envelope) {
			log.Info().Str("event", e.Event).RawJSON("data", data(e)).Msg("recv")
		},
		OnState: func(s client.State) {
			log.Info().Str("state", string(s)).Msg("connection")
			if s == client.StateFailed || s == client.StateDisconnected {
				select {
				case <-done:
				default:
					close(done)
				}
			}
		},
	})
	for _, id := range strings.Split(*rooms, ",") {
		if id = strings.TrimSpace(id); id != "" {
			// 尚未连接，房间被记录下来，连上后自动加入。
			_ = m.JoinRoom(id)
		}
	}
	if err := m.Connect(ctx); err != nil {
		log.Fatal().Err(err).Msg("connect")
	}
	go readCommands(m)

	select {
	case <-ctx.Done():
	case <-done:
	}
	m.Disconnect()
}

func data(e protocol.Envelope) []byte {
	if len(e.Data) == 0 {
		return []byte("null")
	}
	return e.Data
}

func readCommands(m *client.Manager) {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		verb, arg, _ := strings.Cut(strings.TrimSpace(sc.Text()), " ")
		arg = strings.TrimSpace(arg)
		if arg == "" {
			continue
		}
		var err error
		switch verb {
		case "typing":
			err = m.StartTyping(arg)
		case "stop":
			err = m.StopTyping(arg)
		case "read":
			err = m.MarkRead(arg)
		case "join":
			err = m.JoinRoom(arg)
		case "leave":
			err = m.LeaveRoom(arg)
		default:
			log.Warn().Str("command", verb).Msg("unknown command")
			continue
		}
		if err != nil {
			log.Warn().Err(err).Str("command", verb).Msg("send failed")
		}
	}
}
