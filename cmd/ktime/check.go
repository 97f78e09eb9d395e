package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/goodtune/ktime/internal/config"
	"github.com/goodtune/ktime/internal/policy"
)

var (
	checkDay  string
	checkTime string
)

var checkCmd = &cobra.Command{
	Use:   "check [flags] USER",
	Short: "Check a user's policy at a point in time",
	Long: `Load the user's policy from the policy directory and show whether ktime
would allow use at the given day and time, and which budgets would apply.`,
	Example: `  ktime -c config.yaml check alice
  ktime check alice --day saturday --time 18:30`,
	Args: cobra.ExactArgs(1),
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().StringVar(&checkDay, "day", "", "Day of week (monday, tuesday, etc.) - defaults to current day")
	checkCmd.Flags().StringVar(&checkTime, "time", "", "Time of day (HH:MM) - defaults to current time")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	username := args[0]

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	store := policy.NewStore(cfg.Policy.Dir, zerolog.Nop())
	if err := store.Load(); err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	p, ok := store.Get(username)
	if !ok {
		return fmt.Errorf("%w: %s", policy.ErrUnknownUser, username)
	}

	at, err := parseCheckTime(time.Now(), checkDay, checkTime)
	if err != nil {
		return err
	}

	printCheckResult(p, at)
	return nil
}

func printCheckResult(p *policy.UserPolicy, at time.Time) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	red := color.New(color.FgRed, color.Bold)
	yellow := color.New(color.FgYellow)

	day := at.Weekday()
	window := p.Evaluate(at)

	fmt.Println()
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	cyan.Println("SCREEN TIME POLICY CHECK")
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()

	fmt.Printf("User:         %s\n", p.Username)
	fmt.Printf("Check Time:   %s (%s)\n", at.Format("2006-01-02 15:04"), day)
	fmt.Printf("Allowed Days: %s\n", policy.FormatDays(p.AllowedDays))
	fmt.Printf("Hours Today:  %s\n", policy.FormatHours(p.AllowedHours[day]))
	fmt.Println()

	cyan.Print("Decision:     ")
	switch {
	case !window.Allowed:
		red.Println("DISALLOWED")
		fmt.Println("              → Sessions will be locked out")
	case window.Unaccounted:
		green.Println("ALLOWED (unaccounted)")
		fmt.Println("              → Time in this hour is not charged")
	default:
		green.Println("ALLOWED")
	}

	fmt.Printf("Day Limit:    %s\n", formatBudget(p.DayLimit(day)))
	fmt.Printf("Today Total:  %s\n", p.AllowedToday(day))
	fmt.Printf("Week Limit:   %s\n", formatBudget(p.WeekLimit))
	fmt.Printf("Month Limit:  %s\n", formatBudget(p.MonthLimit))
	fmt.Printf("Lockout:      %s\n", policy.FormatLockout(p.Lockout))
	if p.Lockout.Suppressed(at.Hour()) {
		yellow.Println("Wake Window:  lockout action held back at this hour")
	}

	if p.PlayTimeActive(day) {
		fmt.Printf("PlayTime:     %s", p.PlayTimeLimit(day))
		if p.PlayTime.LimitOverride {
			fmt.Print(" (override: only listed activities allowed)")
		}
		fmt.Println()
		if len(p.PlayTime.Activities) > 0 {
			fmt.Printf("Activities:   %s\n", policy.FormatActivities(p.PlayTime.Activities))
		}
	} else {
		fmt.Println("PlayTime:     inactive")
	}

	fmt.Println()
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()
}

func formatBudget(d time.Duration) string {
	if d == 0 {
		return "unlimited"
	}
	return d.String()
}

// parseCheckTime resolves the day and time flags against now. The day moves
// forward to the next matching weekday.
func parseCheckTime(now time.Time, dayStr, timeStr string) (time.Time, error) {
	hour := now.Hour()
	minute := now.Minute()

	if timeStr != "" {
		if len(strings.Split(timeStr, ":")) != 2 {
			return time.Time{}, fmt.Errorf("time must be in HH:MM format")
		}
		if _, err := fmt.Sscanf(timeStr, "%d:%d", &hour, &minute); err != nil {
			return time.Time{}, fmt.Errorf("invalid time format: %s", timeStr)
		}
		if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
			return time.Time{}, fmt.Errorf("invalid time: hour must be 0-23, minute must be 0-59")
		}
	}

	targetDay := now.Weekday()
	if dayStr != "" {
		switch strings.ToLower(dayStr) {
		case "sunday", "sun":
			targetDay = time.Sunday
		case "monday", "mon":
			targetDay = time.Monday
		case "tuesday", "tue":
			targetDay = time.Tuesday
		case "wednesday", "wed":
			targetDay = time.Wednesday
		case "thursday", "thu":
			targetDay = time.Thursday
		case "friday", "fri":
			targetDay = time.Friday
		case "saturday", "sat":
			targetDay = time.Saturday
		default:
			return time.Time{}, fmt.Errorf("invalid day: %s", dayStr)
		}
	}

	ahead := int(targetDay - now.Weekday())
	if ahead < 0 {
		ahead += 7
	}
	target := now.AddDate(0, 0, ahead)
	return time.Date(target.Year(), target.Month(), target.Day(), hour, minute, 0, 0, now.Location()), nil
}
