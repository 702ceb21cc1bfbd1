// Command udpchat-client is an interactive terminal client for the chat
// service.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/opd-ai/udpchat/client"
	"github.com/opd-ai/udpchat/protocol"
)

var rootCmd = &cobra.Command{
	Use:   "udpchat-client",
	Short: "Interactive UDP chat client",
	RunE:  runClient,
}

func init() {
	rootCmd.Flags().String("server", "127.0.0.1:9876", "chat server address")
	rootCmd.Flags().String("log-level", "warn", "log level (debug, info, warn, error)")
}

func runClient(cmd *cobra.Command, args []string) error {
	levelName, _ := cmd.Flags().GetString("log-level")
	level, err := logrus.ParseLevel(levelName)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", levelName, err)
	}
	logrus.SetLevel(level)

	server, _ := cmd.Flags().GetString("server")
	c, err := client.New(client.Options{ServerAddr: server})
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer c.Close()

	registerPushPrinters(c)
	c.Start()

	fmt.Printf("Connected to %s. Type /help for commands.\n", server)
	repl(c)
	return nil
}

func registerPushPrinters(c *client.Client) {
	c.OnPush(protocol.ActionReceiveMessage, func(msg *protocol.Message) {
		sender, _ := msg.DataString(protocol.KeySenderChatID)
		roomID, _ := msg.DataString(protocol.KeyRoomID)
		content, _ := msg.DataString(protocol.KeyContent)
		fmt.Printf("\n[%s] %s: %s\n> ", roomID, sender, content)
	})
	c.OnPush(protocol.ActionUsersList, func(msg *protocol.Message) {
		users, _ := msg.DataStringSlice("users")
		fmt.Printf("\nUsers: %s\n> ", strings.Join(users, ", "))
	})
	c.OnPush(protocol.ActionRoomCreated, func(msg *protocol.Message) {
		roomID, _ := msg.DataString(protocol.KeyRoomID)
		name, _ := msg.DataString(protocol.KeyRoomName)
		fmt.Printf("\nRoom created: %s (%s)\n> ", name, roomID)
	})
	for _, action := range []string{protocol.ActionRoomsList, protocol.ActionUserRoomList} {
		c.OnPush(action, func(msg *protocol.Message) {
			rooms, _ := msg.Data["rooms"].([]interface{})
			fmt.Println()
			for _, raw := range rooms {
				room, ok := raw.(map[string]interface{})
				if !ok {
					continue
				}
				fmt.Printf("  %v  %v\n", room[protocol.KeyRoomID], room[protocol.KeyRoomName])
			}
			fmt.Print("> ")
		})
	}
	c.OnPush(protocol.ActionMessagesList, func(msg *protocol.Message) {
		messages, _ := msg.Data["messages"].([]interface{})
		fmt.Println()
		for _, raw := range messages {
			m, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			fmt.Printf("  [%v] %v: %v\n", m[protocol.KeyTimestamp], m[protocol.KeySenderChatID], m[protocol.KeyContent])
		}
		fmt.Print("> ")
	})
	c.OnPush(protocol.ActionRoomUsersList, func(msg *protocol.Message) {
		participants, _ := msg.DataStringSlice(protocol.KeyParticipants)
		fmt.Printf("\nParticipants: %s\n> ", strings.Join(participants, ", "))
	})
}

const helpText = `Commands:
  /register <chatid> <password>
  /login <chatid> <password>
  /users
  /rooms                        all rooms
  /myrooms                      rooms you are in
  /create <name> <user> [...]   create a room with participants
  /send <room_id> <text>
  /msgs <room_id>               message history
  /roomusers <room_id>
  /add <room_id> <chatid>
  /kick <room_id> <chatid>
  /rename <room_id> <new_name>
  /delete <room_id>
  /quit`

func repl(c *client.Client) {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			fmt.Print("> ")
			continue
		}
		if line == "/quit" {
			return
		}
		handleCommand(c, line)
		fmt.Print("> ")
	}
}

func handleCommand(c *client.Client, line string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	parts := strings.Fields(line)
	var ack *protocol.Message
	var err error

	switch parts[0] {
	case "/help":
		fmt.Println(helpText)
		return
	case "/register":
		if len(parts) != 3 {
			fmt.Println("usage: /register <chatid> <password>")
			return
		}
		ack, err = c.Register(ctx, parts[1], parts[2])
	case "/login":
		if len(parts) != 3 {
			fmt.Println("usage: /login <chatid> <password>")
			return
		}
		ack, err = c.Login(ctx, parts[1], parts[2])
	case "/users":
		ack, err = c.Do(ctx, protocol.ActionGetUsers, nil)
	case "/rooms":
		ack, err = c.Do(ctx, protocol.ActionGetRooms, nil)
	case "/myrooms":
		ack, err = c.Do(ctx, protocol.ActionGetUserRooms, nil)
	case "/create":
		if len(parts) < 3 {
			fmt.Println("usage: /create <name> <user> [...]")
			return
		}
		participants := append([]string{c.ChatID()}, parts[2:]...)
		ack, err = c.Do(ctx, protocol.ActionCreateRoom, map[string]interface{}{
			protocol.KeyRoomName:     parts[1],
			protocol.KeyParticipants: participants,
		})
	case "/send":
		if len(parts) < 3 {
			fmt.Println("usage: /send <room_id> <text>")
			return
		}
		ack, err = c.Do(ctx, protocol.ActionSendMessage, map[string]interface{}{
			protocol.KeyRoomID:  parts[1],
			protocol.KeyContent: strings.Join(parts[2:], " "),
		})
	case "/msgs":
		if len(parts) != 2 {
			fmt.Println("usage: /msgs <room_id>")
			return
		}
		ack, err = c.Do(ctx, protocol.ActionGetMessages, map[string]interface{}{
			protocol.KeyRoomID: parts[1],
		})
	case "/roomusers":
		if len(parts) != 2 {
			fmt.Println("usage: /roomusers <room_id>")
			return
		}
		ack, err = c.Do(ctx, protocol.ActionGetRoomUsers, map[string]interface{}{
			protocol.KeyRoomID: parts[1],
		})
	case "/add":
		if len(parts) != 3 {
			fmt.Println("usage: /add <room_id> <chatid>")
			return
		}
		ack, err = c.Do(ctx, protocol.ActionAddUserToRoom, map[string]interface{}{
			protocol.KeyRoomID:       parts[1],
			protocol.KeyTargetChatID: parts[2],
		})
	case "/kick":
		if len(parts) != 3 {
			fmt.Println("usage: /kick <room_id> <chatid>")
			return
		}
		ack, err = c.Do(ctx, protocol.ActionRemoveUserFromRoom, map[string]interface{}{
			protocol.KeyRoomID:       parts[1],
			protocol.KeyTargetChatID: parts[2],
		})
	case "/rename":
		if len(parts) < 3 {
			fmt.Println("usage: /rename <room_id> <new_name>")
			return
		}
		ack, err = c.Do(ctx, protocol.ActionRenameRoom, map[string]interface{}{
			protocol.KeyRoomID:   parts[1],
			protocol.KeyRoomName: strings.Join(parts[2:], " "),
		})
	case "/delete":
		if len(parts) != 2 {
			fmt.Println("usage: /delete <room_id>")
			return
		}
		ack, err = c.Do(ctx, protocol.ActionDeleteRoom, map[string]interface{}{
			protocol.KeyRoomID: parts[1],
		})
	default:
		fmt.Printf("unknown command %q, try /help\n", parts[0])
		return
	}

	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	fmt.Printf("%s: %s\n", ack.Status, ack.Message)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
