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

	"go.uber.org/zap"

	"voicecall-backend/internal/client"
	"voicecall-backend/internal/media/audio"
	"voicecall-backend/pkg/logger"
	"voicecall-backend/pkg/signaling"
)

const usage = `Commands:
  call <user>   ring a user
  y | n         answer a ringing call
  hangup        end, cancel or decline the current call
  status        show the current call
  pending       list calls waiting for you
  history       list recent calls
  quit          exit`

func main() {
	cfg, err := client.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "voice-client: %v\n", err)
		os.Exit(2)
	}

	if err := logger.Init(&logger.Config{Level: cfg.LogLevel, Format: "text", Output: "stdout"}); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	framing, err := audio.ParseFraming(cfg.Framing)
	if err != nil {
		logger.Fatal("Invalid framing", zap.Error(err))
	}
	var device audio.Device = audio.NewPulseDevice()
	if cfg.Audio == "null" {
		device = audio.NullDevice{}
	}
	transport := audio.NewTransport(device, audio.WithFraming(framing))
	defer transport.Close()

	sig, err := client.DialSignaling(ctx, cfg.ServerURL, cfg.Token, cfg.RequestTimeout, client.DefaultEventBuffer)
	if err != nil {
		logger.Fatal("Failed to connect", zap.String("server", cfg.ServerURL), zap.Error(err))
	}
	defer sig.Close()
	logger.Info("Connected", zap.String("server", cfg.ServerURL))

	var (
		prompter client.Prompter
		console  *client.ConsolePrompter
	)
	switch cfg.AutoAnswer {
	case "accept":
		prompter = client.AutoPrompter{Accept: true}
	case "reject":
		prompter = client.AutoPrompter{Accept: false}
	default:
		console = client.NewConsolePrompter(os.Stdout, cfg.RingTimeout)
		prompter = console
	}

	orch := client.NewOrchestrator(sig, transport, prompter, client.OrchestratorConfig{
		PollInterval:  cfg.PollInterval,
		AudioPort:     cfg.AudioPort,
		AdvertiseHost: cfg.AdvertiseHost,
		AudioSource:   cfg.AudioSource,
	})

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		orch.Run(ctx)
	}()
	go func() {
		select {
		case <-sig.Done():
			logger.Warn("Signaling connection closed")
			cancel()
		case <-ctx.Done():
		}
	}()

	if cfg.Call != "" {
		if err := orch.Dial(ctx, cfg.Call); err != nil {
			logger.Error("Call failed", zap.String("receiver_id", cfg.Call), zap.Error(err))
		}
	}

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- strings.TrimSpace(scanner.Text())
		}
		close(lines)
	}()

	fmt.Println(usage)
	for {
		select {
		case <-ctx.Done():
			<-runDone
			return
		case line, ok := <-lines:
			if !ok {
				cancel()
				continue
			}
			if quit := handleCommand(ctx, line, orch, sig, console, 2*cfg.RequestTimeout); quit {
				cancel()
			}
		}
	}
}

// handleCommand runs one console command. Commands that go through the
// orchestrator are bounded by timeout since its loop may be busy prompting.
func handleCommand(ctx context.Context, line string, orch *client.Orchestrator, sig *client.SignalingClient, console *client.ConsolePrompter, timeout time.Duration) bool {
	cmd, arg, _ := strings.Cut(line, " ")
	cmd = strings.ToLower(cmd)
	arg = strings.TrimSpace(arg)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	switch cmd {
	case "":
	case "call":
		if arg == "" {
			fmt.Println("usage: call <user>")
			return false
		}
		if err := orch.Dial(ctx, arg); err != nil {
			fmt.Printf("call failed: %v\n", err)
		}
	case "y", "yes", "accept", "n", "no", "reject":
		if console == nil {
			fmt.Println("calls are answered automatically")
			return false
		}
		accept := cmd == "y" || cmd == "yes" || cmd == "accept"
		if !console.Answer(accept) {
			fmt.Println("an answer is already pending")
		}
	case "hangup":
		if err := orch.Hangup(ctx); err != nil {
			fmt.Printf("hangup failed: %v\n", err)
		}
	case "status":
		st := orch.State()
		if st.Idle() {
			fmt.Println("idle")
			return false
		}
		fmt.Printf("%s call %s with %s (%s)\n", st.Phase, st.CallID, st.PeerID, st.Role)
	case "pending":
		printQuery(ctx, sig, signaling.TypeCallPending, nil)
	case "history":
		printQuery(ctx, sig, signaling.TypeCallHistory, signaling.HistoryPayload{})
	case "quit", "exit":
		return true
	default:
		fmt.Println(usage)
	}
	return false
}

func printQuery(ctx context.Context, sig *client.SignalingClient, msgType string, payload any) {
	reply, err := sig.Request(ctx, msgType, payload)
	if err != nil {
		fmt.Printf("%s failed: %v\n", strings.ToLower(msgType), err)
		return
	}

	var out struct {
		Calls []json.RawMessage `json:"calls"`
	}
	if err := reply.Decode(&out); err != nil {
		fmt.Printf("unreadable reply: %v\n", err)
		return
	}
	if len(out.Calls) == 0 {
		fmt.Println("no calls")
		return
	}
	for _, call := range out.Calls {
		fmt.Println(string(call))
	}
}
