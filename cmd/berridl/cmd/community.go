package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/berridl/berridl/internal/auth"
	"github.com/berridl/berridl/internal/berriz"
	"github.com/berridl/berridl/internal/httpclient"
)

var communityCmd = &cobra.Command{
	Use:   "community",
	Short: "List, join, or leave communities",
}

var communityListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all communities",
	RunE: func(cmd *cobra.Command, _ []string) error {
		api, cleanup := communityAPI()
		defer cleanup()

		communities, err := api.Communities(cmd.Context())
		if err != nil {
			return err
		}
		for _, c := range communities {
			fmt.Printf("%8d  %-20s %s\n", c.CommunityID, c.Key, c.Name)
		}
		return nil
	},
}

var communityJoinCmd = &cobra.Command{
	Use:   "join <community>",
	Short: "Join a community",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return joinOrLeave(cmd, args[0], true)
	},
}

var communityLeaveCmd = &cobra.Command{
	Use:   "leave <community>",
	Short: "Leave a community",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return joinOrLeave(cmd, args[0], false)
	},
}

func joinOrLeave(cmd *cobra.Command, name string, join bool) error {
	api, cleanup := communityAPI()
	defer cleanup()

	resolver := berriz.NewCommunityResolver(api, cfg.Storage.StaticDir, log)
	community, err := resolver.Resolve(cmd.Context(), name)
	if err != nil {
		return err
	}
	if join {
		if err := api.JoinCommunity(cmd.Context(), community.CommunityID); err != nil {
			return err
		}
		fmt.Printf("joined %s\n", community.Name)
		return nil
	}
	if err := api.LeaveCommunity(cmd.Context(), community.CommunityID); err != nil {
		return err
	}
	fmt.Printf("left %s\n", community.Name)
	return nil
}

// communityAPI builds an authenticated API client for the community
// management commands.
func communityAPI() (*berriz.Client, func()) {
	store := auth.NewStore(cfg.Storage.CookieDir)
	session := auth.NewClient(store, cfg.Credentials, auth.Routes{}, cfg.Headers.UserAgent, nil, log)
	hc := httpclient.New(httpclient.Config{
		UserAgent: cfg.Headers.UserAgent,
		Tokens:    session,
		Logger:    log,
	})
	return berriz.NewClient(hc, "", log), hc.Close
}

func init() {
	communityCmd.AddCommand(communityListCmd, communityJoinCmd, communityLeaveCmd)
	rootCmd.AddCommand(communityCmd)
}
