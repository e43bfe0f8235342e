package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tokmz/qichat/internal/app"
	"github.com/tokmz/qichat/internal/server"
	"github.com/tokmz/qichat/pkg/config"
	"github.com/tokmz/qichat/pkg/logger"
	"github.com/tokmz/qichat/pkg/store"
)

// configEnv 未指定 --config 时读取的环境变量
const configEnv = "QICHAT_CONFIG"

type rootOptions struct {
	configFile string
}

// file 配置文件路径，--config 优先于环境变量
func (o *rootOptions) file() string {
	if o.configFile != "" {
		return o.configFile
	}
	return os.Getenv(configEnv)
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "qichat",
		Short:         "Real-time chat transport server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	root.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "config file (default $"+configEnv+")")

	root.AddCommand(
		newServeCmd(opts),
		newMigrateCmd(opts),
		newTokenCmd(opts),
		newUserCmd(opts),
		newFriendCmd(opts),
		newMemberCmd(opts),
		newVersionCmd(),
	)
	return root
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the WebSocket server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}

// runServe 加载配置并运行服务，配置文件变更时热更新日志级别
func runServe(ctx context.Context, opts *rootOptions) error {
	var log logger.Logger

	c, s, err := config.Load(opts.file(), config.WithOnChange(func(next *config.Settings) {
		if log == nil {
			return
		}
		level, err := logger.ParseLevel(next.Log.Level)
		if err != nil {
			return
		}
		log.SetLevel(level)
		log.Info("config reloaded", zap.String("log_level", level.String()))
	}), config.WithOnError(func(err error) {
		if log != nil {
			log.Error("config reload failed", zap.Error(err))
		}
	}))
	if err != nil {
		return err
	}
	defer c.Close()

	if log, err = app.NewLogger(s.Log); err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	if opts.file() != "" {
		if err := c.StartWatch(); err != nil {
			log.Warn("config watch disabled", zap.Error(err))
		}
	}

	a, err := app.New(ctx, s, log)
	if err != nil {
		log.Error("startup failed", zap.Error(err))
		return err
	}
	return a.Run(ctx)
}

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update database tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd.Context(), opts, func(ctx context.Context, _ *config.Settings, st *store.Store) error {
				if err := st.Migrate(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "migrated")
				return nil
			})
		},
	}
}

func newTokenCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "token <user-id>",
		Short: "Issue an access token for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), opts, func(ctx context.Context, s *config.Settings, st *store.Store) error {
				token, err := app.IssueToken(ctx, s, st, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), token)
				return nil
			})
		},
	}
}

func newUserCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage users",
	}
	cmd.AddCommand(
		storeCmd(opts, "create <user-id> <username>", "Create a user", 2, func(ctx context.Context, st *store.Store, args []string) error {
			return st.CreateUser(ctx, args[0], args[1])
		}),
		storeCmd(opts, "delete <user-id>", "Delete a user", 1, func(ctx context.Context, st *store.Store, args []string) error {
			return st.DeleteUser(ctx, args[0])
		}),
		storeCmd(opts, "ban <user-id>", "Ban a user", 1, func(ctx context.Context, st *store.Store, args []string) error {
			return st.SetBanned(ctx, args[0], true)
		}),
		storeCmd(opts, "unban <user-id>", "Lift a ban", 1, func(ctx context.Context, st *store.Store, args []string) error {
			return st.SetBanned(ctx, args[0], false)
		}),
		storeCmd(opts, "revoke <user-id>", "Invalidate all issued tokens", 1, func(ctx context.Context, st *store.Store, args []string) error {
			_, err := st.RevokeTokens(ctx, args[0])
			return err
		}),
	)
	return cmd
}

func newFriendCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "friend",
		Short: "Manage friendships",
	}
	cmd.AddCommand(
		storeCmd(opts, "add <user-id> <user-id>", "Make two users friends", 2, func(ctx context.Context, st *store.Store, args []string) error {
			return st.AddFriend(ctx, args[0], args[1])
		}),
		storeCmd(opts, "remove <user-id> <user-id>", "Remove a friendship", 2, func(ctx context.Context, st *store.Store, args []string) error {
			return st.RemoveFriend(ctx, args[0], args[1])
		}),
	)
	return cmd
}

func newMemberCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "member",
		Short: "Manage server membership",
	}
	cmd.AddCommand(
		storeCmd(opts, "add <server-id> <user-id>", "Add a user to a server", 2, func(ctx context.Context, st *store.Store, args []string) error {
			return st.AddMember(ctx, args[0], args[1])
		}),
		storeCmd(opts, "remove <server-id> <user-id>", "Remove a user from a server", 2, func(ctx context.Context, st *store.Store, args []string) error {
			return st.RemoveMember(ctx, args[0], args[1])
		}),
	)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), server.Version)
		},
	}
}

// storeCmd 对存储执行单个操作的子命令
func storeCmd(opts *rootOptions, use, short string, nargs int, fn func(context.Context, *store.Store, []string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(nargs),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), opts, func(ctx context.Context, _ *config.Settings, st *store.Store) error {
				if err := fn(ctx, st, args); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "ok")
				return nil
			})
		},
	}
}

// withStore 加载配置并打开存储，fn 返回后关闭连接
func withStore(ctx context.Context, opts *rootOptions, fn func(context.Context, *config.Settings, *store.Store) error) error {
	c, s, err := config.Load(opts.file())
	if err != nil {
		return err
	}
	defer c.Close()

	log, err := app.NewLogger(s.Log)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	st, closeDB, err := app.OpenStore(ctx, s, log)
	if err != nil {
		return err
	}
	defer func() { _ = closeDB() }()

	return fn(ctx, s, st)
}
