// Command udpchat-server runs the chat server: the confirmation-protocol
// engine on the chat port and the file transfer service on its own port.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/opd-ai/udpchat/engine"
	"github.com/opd-ai/udpchat/filetransfer"
	"github.com/opd-ai/udpchat/handlers"
	"github.com/opd-ai/udpchat/protocol"
	"github.com/opd-ai/udpchat/session"
	"github.com/opd-ai/udpchat/store"
)

var rootCmd = &cobra.Command{
	Use:   "udpchat-server",
	Short: "UDP chat server with application-level delivery confirmation",
	Long: `udpchat-server runs the chat service over plain UDP. Every request and
every push is protected by a three-phase confirmation handshake that
verifies a character-frequency signature of the exact bytes on the wire.`,
	RunE: runServer,
}

func init() {
	rootCmd.Flags().String("listen", ":9876", "chat service listen address")
	rootCmd.Flags().String("file-listen", ":9877", "file transfer service listen address")
	rootCmd.Flags().String("storage-dir", "server_storage", "directory for uploaded files")
	rootCmd.Flags().Int("workers", 0, "max concurrent packet workers (0 = one per CPU)")
	rootCmd.Flags().Duration("transaction-timeout", 60*time.Second, "stale handshake timeout")
	rootCmd.Flags().Duration("session-idle", 30*time.Minute, "idle session timeout")
	rootCmd.Flags().Duration("sweep-interval", 5*time.Minute, "registry sweep interval")
	rootCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
}

func runServer(cmd *cobra.Command, args []string) error {
	levelName, _ := cmd.Flags().GetString("log-level")
	level, err := logrus.ParseLevel(levelName)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", levelName, err)
	}
	logrus.SetLevel(level)

	listen, _ := cmd.Flags().GetString("listen")
	fileListen, _ := cmd.Flags().GetString("file-listen")
	storageDir, _ := cmd.Flags().GetString("storage-dir")
	workers, _ := cmd.Flags().GetInt("workers")
	txTimeout, _ := cmd.Flags().GetDuration("transaction-timeout")
	sessionIdle, _ := cmd.Flags().GetDuration("session-idle")
	sweepInterval, _ := cmd.Flags().GetDuration("sweep-interval")

	sessions := session.NewRegistry()
	transactions := protocol.NewRegistry()

	eng, err := engine.New(engine.Options{
		ListenAddr:         listen,
		Workers:            workers,
		TransactionTimeout: txTimeout,
		SessionMaxIdle:     sessionIdle,
		SweepInterval:      sweepInterval,
		ReadTimeout:        100 * time.Millisecond,
	}, sessions, transactions)
	if err != nil {
		return fmt.Errorf("bind chat port: %w", err)
	}
	defer eng.Close()

	users := store.NewUserStore()
	rooms := store.NewRoomStore()
	messages := store.NewMessageStore()
	files := store.NewFileStore()

	auth := handlers.NewAuthHandler(users, sessions, eng)
	room := handlers.NewRoomHandler(users, rooms, messages, sessions, eng)
	msg := handlers.NewMessageHandler(rooms, messages, sessions, eng)
	query := handlers.NewQueryHandler(users, rooms, messages, sessions, eng)

	eng.RegisterAction(protocol.ActionRegister, auth.Register)
	eng.RegisterAction(protocol.ActionLogin, auth.Login)
	eng.RegisterAction(protocol.ActionCreateRoom, room.Create)
	eng.RegisterAction(protocol.ActionRenameRoom, room.Rename)
	eng.RegisterAction(protocol.ActionDeleteRoom, room.Delete)
	eng.RegisterAction(protocol.ActionAddUserToRoom, room.AddUser)
	eng.RegisterAction(protocol.ActionRemoveUserFromRoom, room.RemoveUser)
	eng.RegisterAction(protocol.ActionSendMessage, msg.Send)
	eng.RegisterAction(protocol.ActionGetUsers, query.GetUsers)
	eng.RegisterAction(protocol.ActionGetRooms, query.GetRooms)
	eng.RegisterAction(protocol.ActionGetUserRooms, query.GetUserRooms)
	eng.RegisterAction(protocol.ActionGetRoomUsers, query.GetRoomUsers)
	eng.RegisterAction(protocol.ActionGetMessages, query.GetMessages)

	fileOpts := filetransfer.DefaultOptions()
	fileOpts.ListenAddr = fileListen
	fileOpts.StorageDir = storageDir
	fileSrv, err := filetransfer.New(fileOpts, files, messages, rooms, sessions, eng)
	if err != nil {
		return fmt.Errorf("bind file port: %w", err)
	}
	defer fileSrv.Close()

	eng.Start()
	fileSrv.Start()

	logrus.WithFields(logrus.Fields{
		"function":  "runServer",
		"chat_addr": eng.LocalAddr().String(),
		"file_addr": fileSrv.LocalAddr().String(),
	}).Info("Server running, press Ctrl-C to stop")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logrus.Info("Shutting down")
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
