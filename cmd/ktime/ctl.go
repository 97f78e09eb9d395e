package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/goodtune/ktime/internal/admin"
)

var (
	ctlAddr  string
	ctlToken string
	ctlView  string
	ctlDay   string
)

var ctlCmd = &cobra.Command{
	Use:   "ctl",
	Short: "Administer a running ktime daemon",
	Long:  `Query and change user policies and remaining time through the ktime admin API.`,
}

var ctlUsersCmd = &cobra.Command{
	Use:   "users",
	Short: "List tracked users",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd.Context(), func(ctx context.Context, c *admin.Client) error {
			users, err := c.Users(ctx)
			if err != nil {
				return err
			}
			for _, u := range users {
				fmt.Println(u)
			}
			return nil
		})
	},
}

var ctlUserInfoCmd = &cobra.Command{
	Use:   "userinfo [flags] USER",
	Short: "Show a user's policy and remaining time",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd.Context(), func(ctx context.Context, c *admin.Client) error {
			info, err := c.UserInfo(ctx, args[0], ctlView)
			if err != nil {
				return err
			}
			printUserInfo(info)
			return nil
		})
	},
}

var ctlSetCmd = &cobra.Command{
	Use:   "set [flags] USER SETTING VALUE",
	Short: "Change one policy setting",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd.Context(), func(ctx context.Context, c *admin.Client) error {
			req := admin.SettingRequest{Value: args[2], Day: ctlDay}
			if err := c.Set(ctx, args[0], args[1], req); err != nil {
				return err
			}
			color.New(color.FgGreen).Printf("✓ %s updated for %s\n", args[1], args[0])
			return nil
		})
	},
}

var ctlTimeLeftCmd = &cobra.Command{
	Use:   "timeleft USER OP SECONDS",
	Short: "Adjust a user's remaining time (OP is +, - or =)",
	Example: `  ktime ctl timeleft alice + 1800
  ktime ctl timeleft alice = 0`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAdjust(cmd.Context(), args, (*admin.Client).AdjustTimeLeft)
	},
}

var ctlPlayTimeLeftCmd = &cobra.Command{
	Use:   "playtimeleft USER OP SECONDS",
	Short: "Adjust a user's remaining PlayTime (OP is +, - or =)",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAdjust(cmd.Context(), args, (*admin.Client).AdjustPlayTimeLeft)
	},
}

func init() {
	ctlCmd.PersistentFlags().StringVar(&ctlAddr, "addr", "http://127.0.0.1:8737", "Admin API base URL")
	ctlCmd.PersistentFlags().StringVar(&ctlToken, "token", "", "Admin API bearer token")
	ctlUserInfoCmd.Flags().StringVar(&ctlView, "view", admin.ViewFull, "Information to show (full, realtime)")
	ctlSetCmd.Flags().StringVar(&ctlDay, "day", "", "Day number for allowed_hours (1=Monday ... 7=Sunday)")
	ctlSetCmd.Long = "Change one policy setting. Available settings:\n  " + strings.Join(admin.SettingNames(), "\n  ")

	ctlCmd.AddCommand(ctlUsersCmd, ctlUserInfoCmd, ctlSetCmd, ctlTimeLeftCmd, ctlPlayTimeLeftCmd)
	rootCmd.AddCommand(ctlCmd)
}

type adjustFunc func(*admin.Client, context.Context, string, admin.AdjustRequest) (*admin.RuntimeInfo, error)

func runAdjust(ctx context.Context, args []string, fn adjustFunc) error {
	return withClient(ctx, func(ctx context.Context, c *admin.Client) error {
		rt, err := fn(c, ctx, args[0], admin.AdjustRequest{Op: args[1], Seconds: args[2]})
		if err != nil {
			return err
		}
		printRuntime(rt)
		return nil
	})
}

func withClient(ctx context.Context, fn func(context.Context, *admin.Client) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	c := admin.NewClient(ctlAddr, ctlToken)
	defer c.Close()

	err := fn(ctx, c)
	if errors.Is(err, admin.ErrNotReady) {
		return fmt.Errorf("ktime is still starting up, try again shortly: %w", err)
	}
	return err
}

func printUserInfo(info *admin.UserInfo) {
	cyan := color.New(color.FgCyan, color.Bold)

	cyan.Printf("User: %s\n", info.Username)
	if p := info.Policy; p != nil {
		cyan.Println("\n[policy]")
		fmt.Printf("  allowed_days      = %s\n", p.AllowedDays)
		days := make([]string, 0, len(p.AllowedHours))
		for d := range p.AllowedHours {
			days = append(days, d)
		}
		sort.Strings(days)
		for _, d := range days {
			fmt.Printf("  allowed_hours[%s]  = %s\n", d, p.AllowedHours[d])
		}
		fmt.Printf("  time_limits       = %s\n", p.TimeLimits)
		fmt.Printf("  time_limit_week   = %s\n", seconds(p.WeekLimit))
		fmt.Printf("  time_limit_month  = %s\n", seconds(p.MonthLimit))
		fmt.Printf("  track_inactive    = %t\n", p.TrackInactive)
		fmt.Printf("  lockout_type      = %s\n", p.LockoutType)

		cyan.Println("\n[playtime]")
		fmt.Printf("  enabled           = %t\n", p.PlayTime.Enabled)
		fmt.Printf("  limit_override    = %t\n", p.PlayTime.LimitOverride)
		fmt.Printf("  unaccounted       = %t\n", p.PlayTime.UnaccountedIntervalsAllowed)
		fmt.Printf("  allowed_days      = %s\n", p.PlayTime.AllowedDays)
		fmt.Printf("  limits            = %s\n", p.PlayTime.Limits)
		fmt.Printf("  activities        = %s\n", p.PlayTime.Activities)
	}
	if info.Runtime != nil {
		cyan.Println("\n[runtime]")
		printRuntime(info.Runtime)
	}
}

func printRuntime(rt *admin.RuntimeInfo) {
	green := color.New(color.FgGreen, color.Bold)
	red := color.New(color.FgRed, color.Bold)
	yellow := color.New(color.FgYellow)

	fmt.Printf("  date              = %s\n", rt.Date)
	fmt.Print("  allowed           = ")
	if rt.Allowed {
		green.Println("yes")
	} else {
		red.Println("no")
	}
	if rt.Unlimited {
		fmt.Println("  time_left         = unlimited")
	} else {
		left := seconds(rt.Remaining)
		if rt.Remaining <= 300 {
			red.Printf("  time_left         = %s\n", left)
		} else {
			fmt.Printf("  time_left         = %s\n", left)
		}
	}
	fmt.Printf("  time_left_day     = %s\n", seconds(rt.TimeLeftDay))
	fmt.Printf("  time_left_week    = %s\n", seconds(rt.TimeLeftWeek))
	fmt.Printf("  time_left_month   = %s\n", seconds(rt.TimeLeftMonth))
	fmt.Printf("  playtime_left     = %s\n", seconds(rt.PlayTimeLeft))
	fmt.Printf("  stage             = %s\n", rt.Stage)
	if rt.Suppressed {
		yellow.Println("  lockout held back by wake window")
	}
	if rt.Session != "" {
		fmt.Printf("  session           = %s\n", rt.Session)
	}
	if rt.Activity != "" {
		fmt.Printf("  activity          = %s\n", rt.Activity)
	}
}

func seconds(s int64) string {
	return (time.Duration(s) * time.Second).String()
}
