package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rojolang/vocals-talk-go/pkg/talk"
	"github.com/spf13/cobra"
)

var (
	verbose    bool
	configPath string
	endpoint   string
	backend    string
	voice      string
	transcript string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "vocals-talk",
		Short: "Push-to-talk voice assistant client",
		Long:  "Talk to a Vocals voice assistant backend from the terminal",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				lc := talk.DefaultLogConfig()
				lc.Level = "debug"
				talk.SetGlobalLogger(talk.NewLogger(lc))
			}
		},
	}

	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&endpoint, "endpoint", "", "WebSocket endpoint URL")
	rootCmd.PersistentFlags().StringVar(&backend, "backend", "", "Audio backend (portaudio or miniaudio)")

	rootCmd.AddCommand(talkCmd())
	rootCmd.AddCommand(voicesCmd())
	rootCmd.AddCommand(healthCmd())
	rootCmd.AddCommand(devicesCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(playCmd())

	if err := rootCmd.Execute(); err != nil {
		talk.GetGlobalLogger().WithError(err).Fatal("CLI execution failed")
	}
}

func loadConfig() (*talk.Config, error) {
	cfg, err := talk.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if endpoint != "" {
		cfg.ServerURL = endpoint
	}
	if backend != "" {
		cfg.Audio.Backend = backend
	}
	if verbose {
		cfg.DebugLevel = "DEBUG"
	}
	if issues := cfg.Validate(); len(issues) > 0 {
		return nil, talk.NewConfigError(strings.Join(issues, "; "))
	}
	return cfg, nil
}

func talkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "talk",
		Short: "Start an interactive push-to-talk session",
		Long: `Connects to the backend and records while you hold the turn.

Press Enter to start recording and Enter again to send. Lines starting
with / are commands: /text <query>, /voice <id>, /voices, /history,
/ping, /connect, /quit.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if voice != "" {
				cfg.DefaultVoice = voice
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			session, err := talk.NewSession(cfg)
			if err != nil {
				return err
			}
			defer session.Dispose()
			if transcript != "" {
				if _, err := os.Stat(transcript); err == nil {
					if err := session.Transcript().Import(transcript); err != nil {
						return err
					}
				}
				defer func() {
					if err := session.Transcript().Export(transcript); err != nil {
						talk.GetGlobalLogger().WithError(err).Error("Failed to save transcript")
					}
				}()
			}

			session.OnStateChange(func(from, to talk.RecordingState) {
				switch to {
				case talk.Recording:
					fmt.Println("● Recording... press Enter to send")
				case talk.Processing:
					fmt.Println("… Waiting for the assistant")
				case talk.Idle:
					if from != talk.NotReady {
						fmt.Println("Press Enter to talk")
					}
				}
			})
			session.OnTranscription(func(text string) {
				if text != "" {
					fmt.Printf("You: %s\n", text)
				}
			})
			session.OnAssistantText(func(text string) { fmt.Printf("Assistant: %s\n", text) })
			session.OnVoiceChanged(func(id string) { fmt.Printf("Voice: %s\n", id) })
			session.OnError(func(msg string) { fmt.Printf("Error: %s\n", msg) })
			session.OnConnection(func(state talk.ConnectionState) {
				if state == talk.ConnClosed {
					fmt.Println("Disconnected. Type /connect to reconnect.")
				}
			})

			if err := session.Init(ctx); err != nil {
				return err
			}
			if err := session.Connect(ctx); err != nil {
				return err
			}
			fmt.Println("Connected. Press Enter to talk, /quit to exit.")

			lines := make(chan string)
			go func() {
				defer close(lines)
				scanner := bufio.NewScanner(os.Stdin)
				for scanner.Scan() {
					lines <- scanner.Text()
				}
			}()

			for {
				select {
				case <-ctx.Done():
					return nil
				case line, ok := <-lines:
					if !ok {
						return nil
					}
					if quit := handleLine(ctx, session, strings.TrimSpace(line)); quit {
						return nil
					}
				}
			}
		},
	}

	cmd.Flags().StringVar(&voice, "voice", "", "Voice to select on connect")
	cmd.Flags().StringVar(&transcript, "transcript", "", "Load and save the conversation as JSON at this path")
	return cmd
}

// handleLine applies one line of terminal input and reports whether the
// user asked to quit.
func handleLine(ctx context.Context, session *talk.Session, line string) bool {
	logger := talk.GetGlobalLogger()

	if !strings.HasPrefix(line, "/") {
		var err error
		switch session.State() {
		case talk.Idle:
			err = session.Press()
		case talk.Recording:
			err = session.Release()
		default:
			fmt.Println("Still waiting for the assistant")
		}
		if err != nil {
			logger.WithError(err).Error("Push-to-talk failed")
		}
		return false
	}

	command, arg, _ := strings.Cut(strings.TrimPrefix(line, "/"), " ")
	arg = strings.TrimSpace(arg)

	var err error
	switch command {
	case "quit", "exit", "q":
		return true
	case "text":
		err = session.SendText(arg)
	case "voice":
		err = session.SetVoice(arg)
	case "voices":
		for _, v := range session.Voices() {
			marker := ""
			if v.ID == session.VoiceID() {
				marker = " (current)"
			}
			fmt.Printf("  %s: %s%s\n", v.ID, v.Label, marker)
		}
	case "history":
		for _, turn := range session.Transcript().Turns() {
			fmt.Printf("  [%s] %s: %s\n", turn.At.Format(time.Kitchen), turn.Role, turn.Content)
		}
	case "ping":
		err = session.Ping()
	case "connect":
		err = session.Connect(ctx)
	default:
		fmt.Printf("Unknown command: /%s\n", command)
	}
	if err != nil {
		logger.WithError(err).Error("Command failed")
	}
	return false
}

func voicesCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "voices",
		Short: "List the voices the backend offers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			client := apiClient(cfg)

			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()
			voices, err := client.ListVoices(ctx)
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(voices)
			}
			for _, v := range voices {
				marker := ""
				if v.ID == cfg.DefaultVoice {
					marker = " (default)"
				}
				fmt.Printf("  %s: %s%s\n", v.ID, v.Label, marker)
				if v.Description != "" {
					fmt.Printf("      %s\n", v.Description)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the backend is up",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			start := time.Now()
			status, err := apiClient(cfg).Health(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("%s: %s (%v)\n", cfg.APIBaseURL, status.Status, time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
}

func apiClient(cfg *talk.Config) *talk.APIClient {
	var tokens *talk.TokenSource
	if cfg.UseTokenAuth {
		tokens = talk.NewTokenSource(cfg.APIKey, "")
	}
	return talk.NewAPIClientFromConfig(cfg, tokens)
}

func devicesCmd() *cobra.Command {
	var inputs, outputs bool
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List available audio devices",
		Long:  "List the audio input and output devices of the selected backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			devices, err := talk.ListDevices(cfg.Audio.Backend)
			if err != nil {
				return err
			}
			switch {
			case inputs:
				devices = talk.FilterDevices(devices, talk.DeviceInfo.IsInput)
			case outputs:
				devices = talk.FilterDevices(devices, talk.DeviceInfo.IsOutput)
			}

			fmt.Printf("Audio devices (%s):\n", cfg.Audio.Backend)
			for _, d := range devices {
				marker := ""
				if d.IsDefault {
					marker = " (Default)"
				}

				capabilities := ""
				if d.IsInput() && d.IsOutput() {
					capabilities = "Input/Output"
				} else if d.IsInput() {
					capabilities = "Input"
				} else if d.IsOutput() {
					capabilities = "Output"
				}

				fmt.Printf("  %d: %s%s - %s", d.ID, d.Name, marker, capabilities)
				if d.DefaultSampleRate > 0 {
					fmt.Printf(" (%.0f Hz)", d.DefaultSampleRate)
				}
				fmt.Println()
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&inputs, "inputs", false, "Only list input devices")
	cmd.Flags().BoolVar(&outputs, "outputs", false, "Only list output devices")
	return cmd
}

func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show the effective configuration",
		Long:  "Display defaults merged with the config file and VOCALS_* environment",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := talk.LoadConfig(configPath)
			if err != nil {
				return err
			}
			if endpoint != "" {
				cfg.ServerURL = endpoint
			}
			if backend != "" {
				cfg.Audio.Backend = backend
			}

			fmt.Println("Current Configuration:")
			fmt.Printf("API Key: %s\n", maskString(cfg.APIKey))
			data, err := json.MarshalIndent(cfg, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))

			if issues := cfg.Validate(); len(issues) > 0 {
				fmt.Println("\nIssues:")
				for _, issue := range issues {
					fmt.Printf("  ✗ %s\n", issue)
				}
			}
			return nil
		},
	}
}

func playCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "play <wav>...",
		Short: "Play WAV files back to back",
		Long:  "Queue WAV files through the playback scheduler exactly as assistant speech is played",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := talk.GetGlobalLogger()

			device, err := talk.NewOutputDevice(cfg.Audio, logger)
			if err != nil {
				return err
			}
			player := talk.NewPlaybackScheduler(talk.NewRenderer(device, cfg.Audio.OutputSampleRate, logger), logger)
			if err := player.Init(cmd.Context()); err != nil {
				return err
			}
			defer player.Close()

			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				if err := player.Play(data); err != nil {
					return err
				}
				fmt.Printf("Queued %s\n", path)
			}
			player.Wait()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			ticker := time.NewTicker(50 * time.Millisecond)
			defer ticker.Stop()
			for player.Pending() > 0 {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}
			}

			stats := player.Stats()
			fmt.Printf("Played %d segments (%d undecodable)\n", stats.Scheduled, stats.DecodeFailures)
			return nil
		},
	}
}

// Helper function to mask sensitive strings
func maskString(s string) string {
	if s == "" {
		return "<not set>"
	}
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "****" + s[len(s)-4:]
}
