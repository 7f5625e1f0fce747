package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type credential struct {
	Success       bool   `json:"success"`
	Message       string `json:"message"`
	SessionID     string `json:"sessionId"`
	UserID        string `json:"userId"`
	Role          string `json:"role"`
	Token         string `json:"token"`
	ShareableLink string `json:"shareableLink"`
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"})

	base := flag.String("base", "http://localhost:8080", "服务地址")
	session := flag.String("session", "", "要加入的 sessionID，留空则新建会话")
	user := flag.String("user", "", "userId，留空由服务端生成")
	messages := flag.String("messages", "hello|AI introduce yourself", "依次发送的消息，用 | 分隔")
	wait := flag.Duration("wait", 20*time.Second, "发送完毕后继续接收事件的时长")
	flag.Parse()

	cred, err := obtainCredential(*base, *session, *user)
	if err != nil {
		log.Fatal().Err(err).Msg("获取凭证失败")
	}
	log.Info().
		Str("session_id", cred.SessionID).
		Str("user_id", cred.UserID).
		Str("role", cred.Role).
		Str("link", cred.ShareableLink).
		Msg("凭证已获取")

	conn, err := dial(*base, cred)
	if err != nil {
		log.Fatal().Err(err).Msg("WebSocket 连接失败")
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					log.Warn().Err(err).Msg("连接已断开")
				}
				return
			}
			printEvent(raw)
		}
	}()

	for _, content := range strings.Split(*messages, "|") {
		if strings.TrimSpace(content) == "" {
			continue
		}
		payload := map[string]any{"event": "message", "data": map[string]string{"content": content}}
		if err := conn.WriteJSON(payload); err != nil {
			log.Fatal().Err(err).Msg("发送消息失败")
		}
		log.Info().Str("content", content).Msg("已发送")
		time.Sleep(200 * time.Millisecond)
	}

	select {
	case <-done:
	case <-time.After(*wait):
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		<-done
	}
}

func obtainCredential(base, sessionID, userID string) (credential, error) {
	path := "/api/sessions"
	if sessionID != "" {
		path = "/api/sessions/" + url.PathEscape(sessionID) + "/join"
	}
	body, err := json.Marshal(map[string]string{"userId": userID})
	if err != nil {
		return credential{}, err
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Post(strings.TrimRight(base, "/")+path, "application/json", bytes.NewReader(body))
	if err != nil {
		return credential{}, errors.Wrap(err, "request credential")
	}
	defer resp.Body.Close()

	var cred credential
	if err := json.NewDecoder(resp.Body).Decode(&cred); err != nil {
		return credential{}, errors.Wrapf(err, "decode response (status %d)", resp.StatusCode)
	}
	if !cred.Success {
		return credential{}, errors.Errorf("server rejected request (status %d): %s", resp.StatusCode, cred.Message)
	}
	return cred, nil
}

func dial(base string, cred credential) (*websocket.Conn, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return nil, errors.Wrap(err, "parse base url")
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws/" + cred.SessionID
	u.RawQuery = url.Values{"token": {cred.Token}}.Encode()

	conn, resp, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, errors.Wrapf(err, "handshake status %d", resp.StatusCode)
		}
		return nil, err
	}
	return conn, nil
}

func printEvent(raw []byte) {
	var evt struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &evt); err != nil {
		log.Warn().Err(err).Msg("无法解析事件")
		return
	}

	if evt.Event == "message" {
		var msg struct {
			AuthorID string `json:"authorId"`
			Content  string `json:"content"`
		}
		if json.Unmarshal(evt.Data, &msg) == nil {
			fmt.Printf("[%s] %s\n", msg.AuthorID, msg.Content)
			return
		}
	}
	log.Info().Str("event", evt.Event).RawJSON("data", evt.Data).Msg("收到事件")
}
