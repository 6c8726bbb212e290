package commands

import (
	"fmt"
	"time"

	"github.com/mosaicnetworks/murmur/src/common"
	"github.com/mosaicnetworks/murmur/src/dag"
	"github.com/mosaicnetworks/murmur/src/murmur"
	"github.com/mosaicnetworks/murmur/src/net"
	"github.com/spf13/cobra"
)

var title string

//NewConversationCmd returns the command that manages the conversations listed
//in conversations.json
func NewConversationCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conversation",
		Short: "Manage conversations",
	}

	newCmd := &cobra.Command{
		Use:     "new",
		Short:   "Create a conversation rooted at the local device",
		PreRunE: loadConfig,
		RunE:    newConversation,
	}
	AddBaseFlags(newCmd)
	newCmd.Flags().StringVar(&title, "title", "", "Title of the conversation")

	joinCmd := &cobra.Command{
		Use:     "join [id] [secret]",
		Short:   "Record a conversation created elsewhere",
		Args:    cobra.ExactArgs(2),
		PreRunE: loadConfig,
		RunE:    joinConversation,
	}
	AddBaseFlags(joinCmd)
	joinCmd.Flags().StringVar(&title, "title", "", "Title of the conversation")

	cmd.AddCommand(newCmd, joinCmd)

	return cmd
}

// offlineEngine initializes an engine that does not listen, so that it can
// run while the node is stopped.
func offlineEngine() (*murmur.Murmur, error) {
	_config.Murmur.NoService = true

	engine := murmur.NewMurmur(&_config.Murmur)
	_, engine.Transport = net.NewInmemTransport("", time.Second)

	if err := engine.Init(); err != nil {
		return nil, err
	}
	return engine, nil
}

func newConversation(cmd *cobra.Command, args []string) error {
	if !_config.Murmur.Store {
		return fmt.Errorf("conversation new requires --store, the genesis would be lost otherwise")
	}

	engine, err := offlineEngine()
	if err != nil {
		return err
	}
	defer engine.Shutdown()

	c, err := engine.CreateConversation(title)
	if err != nil {
		return err
	}

	entries, err := engine.Conversations.Entries()
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.ID == c.ID() {
			fmt.Printf("id: %s\nsecret: %s\n", e.ID, e.Secret)
		}
	}

	return nil
}

func joinConversation(cmd *cobra.Command, args []string) error {
	id, err := dag.ParseHash(args[0])
	if err != nil {
		return fmt.Errorf("Parsing conversation id: %s", err)
	}
	secret, err := common.DecodeFromString(args[1])
	if err != nil {
		return fmt.Errorf("Parsing secret: %s", err)
	}

	engine, err := offlineEngine()
	if err != nil {
		return err
	}
	defer engine.Shutdown()

	if _, err := engine.JoinConversation(id, title, secret); err != nil {
		return err
	}

	fmt.Printf("Joined conversation %s\n", id)

	return nil
}
