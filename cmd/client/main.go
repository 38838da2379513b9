package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"gitlab.com/secp/services/messenger/internal/apiclient"
	"gitlab.com/secp/services/messenger/internal/cipher"
	"gitlab.com/secp/services/messenger/internal/directory"
	"gitlab.com/secp/services/messenger/internal/keystore"
	"gitlab.com/secp/services/messenger/internal/orchestrator"
	"gitlab.com/secp/services/messenger/internal/realtime"
)

func main() {
	log.Println("[Client] Starting messenger client...")

	apiURL := getEnvOrDefault("MESSENGER_API_URL", "http://localhost:8080")
	token := os.Getenv("MESSENGER_TOKEN")
	if token == "" {
		log.Fatal("[Client] MESSENGER_TOKEN is required")
	}

	userID, err := uuid.Parse(os.Getenv("MESSENGER_USER_ID"))
	if err != nil {
		log.Fatalf("[Client] Invalid MESSENGER_USER_ID: %v", err)
	}

	conversationID, err := uuid.Parse(os.Getenv("MESSENGER_CONVERSATION_ID"))
	if err != nil {
		log.Fatalf("[Client] Invalid MESSENGER_CONVERSATION_ID: %v", err)
	}

	keystoreDir := getEnvOrDefault("MESSENGER_KEYSTORE_DIR", defaultKeystoreDir())
	keys, err := keystore.NewStore(keystoreDir)
	if err != nil {
		log.Fatalf("[Client] Failed to open keystore: %v", err)
	}

	api := apiclient.NewClient(apiURL, token)
	dir := directory.NewClient(apiURL, token)
	cipherRPC := cipher.NewClient(apiURL, token)

	orch := orchestrator.New(userID, keys, dir, cipherRPC, api, api)
	defer orch.Close()

	ctx := context.Background()

	stdin := bufio.NewScanner(os.Stdin)
	fmt.Print("Password: ")
	if !stdin.Scan() {
		log.Fatal("[Client] No password provided")
	}
	password := stdin.Text()

	if err := orch.Setup(ctx, password); err != nil {
		log.Fatalf("[Client] Key setup failed: %v", err)
	}
	if err := orch.Unlock(ctx, password); err != nil {
		log.Fatalf("[Client] Unlock failed: %v", err)
	}

	messages, err := orch.LoadConversation(ctx, conversationID)
	if err != nil {
		log.Fatalf("[Client] Failed to load conversation: %v", err)
	}
	for _, msg := range messages {
		printMessage(msg, userID)
	}

	// Realtime inserts for this conversation; the orchestrator decrypts
	// them into the local view as they arrive.
	wsURL := strings.Replace(apiURL, "http", "ws", 1) +
		"/api/conversations/" + conversationID.String() + "/events"
	sub := realtime.NewSubscriber(wsURL, token)
	if err := sub.Start(ctx); err != nil {
		log.Fatalf("[Client] Failed to subscribe: %v", err)
	}
	defer sub.Close()

	go func() {
		for event := range sub.Events() {
			orch.HandleEvent(ctx, event)
		}
	}()

	fmt.Println("Type a message and press enter. Commands: /lock, /unlock <password>, /quit")
	for stdin.Scan() {
		line := strings.TrimSpace(stdin.Text())
		if line == "" {
			continue
		}

		switch {
		case line == "/quit":
			return
		case line == "/lock":
			orch.Lock()
			fmt.Println("(session locked)")
		case strings.HasPrefix(line, "/unlock "):
			if err := orch.Unlock(ctx, strings.TrimPrefix(line, "/unlock ")); err != nil {
				fmt.Printf("unlock failed: %v\n", err)
				continue
			}
			fmt.Println("(session unlocked)")
		default:
			sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			msg, err := orch.Send(sendCtx, conversationID, line)
			cancel()
			if err != nil {
				fmt.Printf("send failed: %v\n", err)
				continue
			}
			printMessage(*msg, userID)
		}
	}
}

func printMessage(msg orchestrator.DecryptedMessage, self uuid.UUID) {
	sender := msg.SenderID.String()[:8]
	if msg.SenderID == self {
		sender = "you"
	}

	switch msg.Status {
	case orchestrator.StatusDecrypted:
		fmt.Printf("[%s] %s: %s\n", time.Unix(msg.CreatedAt, 0).Format("15:04"), sender, msg.Content)
	case orchestrator.StatusLocked:
		fmt.Printf("[%s] %s: (locked)\n", time.Unix(msg.CreatedAt, 0).Format("15:04"), sender)
	default:
		fmt.Printf("[%s] %s: (unable to decrypt)\n", time.Unix(msg.CreatedAt, 0).Format("15:04"), sender)
	}
}

func defaultKeystoreDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".messenger-keys"
	}
	return home + "/.messenger-keys"
}

func getEnvOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
