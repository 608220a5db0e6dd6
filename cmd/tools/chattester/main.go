package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/zhouzirui/nss-chat/backend/internal/config"
	"github.com/zhouzirui/nss-chat/backend/internal/logger"
	"github.com/zhouzirui/nss-chat/backend/internal/model/chat"
	"github.com/zhouzirui/nss-chat/backend/internal/service/auth"
	chatservice "github.com/zhouzirui/nss-chat/backend/internal/service/chat"
)

func main() {
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "配置加载失败: %v\n", err)
		os.Exit(1)
	}

	mode := flag.String("mode", "", "测试模式: chat 或 token")
	roomFlag := flag.String("room", "", "聊天房间，例如 event:42 或 mentorship:m1")
	token := flag.String("token", "", "访问令牌，默认使用 CHAT_TOKEN")
	user := flag.String("user", "", "token 模式: 用户 ID")
	role := flag.String("role", string(chat.RoleStudent), "token 模式: 角色 (student/teacher/coordinator/alumni/admin)")
	name := flag.String("name", "", "token 模式: 显示名称")
	verbose := flag.Bool("v", false, "输出调试日志")
	flag.Parse()

	level := cfg.LogLevel
	if *verbose {
		level = "debug"
	}
	log := logger.New(level)
	defer log.Sync()
	if envErr != nil {
		log.Debug("无法加载 .env，改用系统环境变量", zap.Error(envErr))
	}

	switch *mode {
	case "token":
		runToken(cfg, log, *user, chat.Role(*role), *name)
	case "chat":
		if *token == "" {
			*token = cfg.Client.Token
		}
		runChat(cfg, log, *token, *roomFlag)
	default:
		flag.Usage()
		log.Fatal("请通过 -mode=chat 或 -mode=token 指定测试模式")
	}
}

func runToken(cfg *config.Config, log *zap.Logger, user string, role chat.Role, name string) {
	if user == "" {
		log.Fatal("token 模式需要通过 -user 指定用户 ID")
	}
	if !role.Valid() {
		log.Fatal("未知角色", zap.String("role", string(role)))
	}

	issuer, err := auth.NewIssuer(cfg.Relay.JWTSecret, cfg.Relay.TokenTTL)
	if err != nil {
		log.Fatal("需要配置 RELAY_JWT_SECRET", zap.Error(err))
	}
	token, err := issuer.Issue(user, role, name)
	if err != nil {
		log.Fatal("签发令牌失败", zap.Error(err))
	}
	fmt.Println(token)
}

func runChat(cfg *config.Config, log *zap.Logger, token, rawRoom string) {
	room, err := chat.ParseRoomKey(rawRoom)
	if err != nil {
		log.Fatal("chat 模式需要通过 -room 指定有效房间", zap.Error(err))
	}

	session, err := auth.ParseSession(token, time.Now())
	if err != nil {
		log.Fatal("令牌无效", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := chatservice.OptionsFromConfig(cfg.Client, log)
	opts.OnError = func(room chat.RoomKey, err error) {
		fmt.Printf("! %s: %v\n", room, err)
	}
	client := chatservice.New(session, opts)
	defer client.Close()

	client.SubscribeState(func(s chat.ConnectionState) {
		fmt.Printf("* connection %s\n", s)
	})
	if err := client.Start(ctx); err != nil {
		log.Fatal("连接失败", zap.Error(err))
	}

	if _, err := client.Join("cli", room); err != nil {
		log.Fatal("加入房间失败", zap.Error(err))
	}
	client.SubscribeMessages(room, func(msgs []chat.Message) {
		render(session, msgs)
	})
	client.SubscribeTyping(room, func(users []string) {
		if len(users) > 0 {
			fmt.Printf("* %s typing...\n", strings.Join(users, ", "))
		}
	})

	fmt.Printf("已加入 %s，输入消息回车发送；/retry <id> 重发失败消息，/quit 退出\n", room)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			handleLine(ctx, client, room, line)
		}
	}
}

func handleLine(ctx context.Context, client *chatservice.Client, room chat.RoomKey, line string) {
	switch {
	case line == "/quit":
		client.Close()
		os.Exit(0)
	case strings.HasPrefix(line, "/retry "):
		id := strings.TrimSpace(strings.TrimPrefix(line, "/retry "))
		if _, err := client.Retry(ctx, room, id); err != nil {
			fmt.Printf("! retry %s: %v\n", id, err)
		}
	default:
		_ = client.NotifyTyping(room)
		if _, err := client.Send(ctx, room, line); err != nil {
			fmt.Printf("! send: %v\n", err)
		}
	}
}

func render(self chat.Session, msgs []chat.Message) {
	fmt.Println("----")
	for _, m := range msgs {
		mark := ""
		switch m.State {
		case chat.Pending:
			mark = " (sending…)"
		case chat.Failed:
			mark = " (failed, /retry " + m.ID + ")"
		}
		who := m.SenderName
		if m.SenderID == self.UserID {
			who = "me"
		}
		fmt.Printf("[%s] %s: %s%s\n", m.CreatedAt.Local().Format("15:04:05"), who, m.Content, mark)
	}
}
