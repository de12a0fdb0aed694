package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/LingByte/LingMeet/pkg/config"
	"github.com/LingByte/LingMeet/pkg/constants"
	"github.com/LingByte/LingMeet/pkg/logger"
	"github.com/LingByte/LingMeet/pkg/media"
	"github.com/LingByte/LingMeet/pkg/meeting"
	"github.com/LingByte/LingMeet/pkg/metrics"
	"github.com/LingByte/LingMeet/pkg/store"
)

// unavailableProvider serves no devices; every slot degrades to absent
// unless a custom track is supplied.
type unavailableProvider struct{}

func (unavailableProvider) Capture(ctx context.Context, kind media.Kind, c media.Constraints) (*media.LocalTrack, error) {
	return nil, fmt.Errorf("no capture backend for %s", kind)
}

func main() {
	// 1. Parse Command Line Parameters
	meetingID := flag.String("meeting", "", "meeting id to join (empty with -create makes a new one)")
	create := flag.Bool("create", false, "create a new meeting and join it")
	end := flag.Bool("end", false, "end the given meeting instead of joining")
	name := flag.String("name", "", "display name")
	mic := flag.Bool("mic", true, "join with microphone enabled")
	cam := flag.Bool("cam", false, "join with webcam enabled")
	mode := flag.String("mode", "", "running environment (development, test, production)")
	metricsAddr := flag.String("metrics", "", "address to expose prometheus metrics on (optional)")
	flag.Parse()
	if *mode != "" {
		os.Setenv("MODE", *mode)
	}
	// 2. Load Global Configuration
	if err := config.Load(); err != nil {
		panic("config load failed: " + err.Error())
	}
	// 3. Load Log Configuration
	if err := logger.Init(&config.GlobalConfig.Log, config.GlobalConfig.Mode); err != nil {
		panic(err)
	}
	defer logger.Sync()

	// 4. Open Document Store
	st, err := openStore()
	if err != nil {
		logger.Error("store setup failed", zap.Error(err))
		return
	}
	defer st.Close()

	ctx := context.Background()

	if *end {
		if *meetingID == "" {
			fmt.Fprintln(os.Stderr, "usage: meet -end -meeting <id>")
			os.Exit(2)
		}
		if err := meeting.EndMeeting(ctx, st, *meetingID); err != nil {
			logger.Error("end meeting failed", zap.Error(err))
			os.Exit(1)
		}
		fmt.Printf("meeting %s ended\n", *meetingID)
		return
	}

	if *create {
		id, err := meeting.CreateMeeting(ctx, st)
		if err != nil {
			logger.Error("create meeting failed", zap.Error(err))
			os.Exit(1)
		}
		fmt.Printf("meeting id: %s\n", id)
		*meetingID = id
	}
	if *meetingID == "" {
		fmt.Fprintln(os.Stderr, "usage: meet -meeting <id> | meet -create")
		os.Exit(2)
	}

	// 5. Expose Metrics (optional)
	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				logger.Warn("metrics server stopped", zap.Error(err))
			}
		}()
	}

	// 6. Init Media Backend
	var provider media.CaptureProvider
	malgoProvider, err := media.NewMalgoProvider()
	if err != nil {
		logger.Warn("audio backend unavailable, joining without devices", zap.Error(err))
		provider = unavailableProvider{}
	} else {
		provider = malgoProvider
		defer malgoProvider.Close()
	}
	mediaMgr := media.NewManager(provider)

	// 7. New Session
	displayName := *name
	if displayName == "" {
		displayName = config.GlobalConfig.Meeting.DisplayName
	}
	sess := meeting.NewSession(st, mediaMgr, meeting.Handlers{
		OnMeetingJoined: func(meetingID, localID string) {
			fmt.Printf("* joined %s as %s\n", meetingID, localID)
		},
		OnMeetingLeft: func() {
			fmt.Println("* left meeting")
		},
		OnParticipantJoined: func(p *meeting.Participant) {
			if !p.IsLocal {
				fmt.Printf("* %s joined\n", p.DisplayName)
			}
		},
		OnParticipantLeft: func(p *meeting.Participant) {
			fmt.Printf("* %s left\n", p.DisplayName)
		},
		OnPresenterChanged: func(id string) {
			if id == "" {
				fmt.Println("* nobody is presenting")
			} else {
				fmt.Printf("* %s is presenting\n", id)
			}
		},
		OnError: func(err error) {
			logger.Warn("session error", zap.Error(err))
		},
	})

	if err := sess.Join(ctx, *meetingID, meeting.JoinOptions{
		DisplayName:   displayName,
		MicEnabled:    *mic,
		WebcamEnabled: *cam,
		StunServers:   config.GlobalConfig.RTC.StunServers,
	}); err != nil {
		logger.Error("join failed", zap.Error(err))
		os.Exit(1)
	}

	chatUnsub, err := sess.SubscribeTopic(constants.TopicChat, func(msg meeting.TopicMessage) {
		fmt.Printf("[%s] %s: %s\n", msg.Timestamp.Format("15:04:05"), msg.SenderName, msg.Body)
	})
	if err == nil {
		defer chatUnsub()
	}

	// 8. Drive From Stdin Until Interrupted
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	fmt.Println("commands: /mic /cam /screen /hand /who /quit (anything else is chat)")
loop:
	for {
		select {
		case <-sigCh:
			break loop
		case line, ok := <-lines:
			if !ok || strings.TrimSpace(line) == "/quit" {
				break loop
			}
			if err := handleLine(ctx, sess, line); err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
			}
		}
	}

	if err := sess.Leave(ctx); err != nil {
		logger.Error("leave failed", zap.Error(err))
	}
}

func handleLine(ctx context.Context, sess *meeting.Session, line string) error {
	switch strings.TrimSpace(line) {
	case "":
		return nil
	case "/mic":
		return sess.ToggleMic(ctx)
	case "/cam":
		return sess.ToggleWebcam(ctx)
	case "/screen":
		return sess.ToggleScreenShare(ctx)
	case "/hand":
		return sess.RaiseHand(ctx)
	case "/who":
		for _, p := range sess.Participants() {
			marker := " "
			if p.IsLocal {
				marker = "*"
			}
			fmt.Printf("%s %s (%s) mic=%v cam=%v screen=%v\n",
				marker, p.DisplayName, p.ID, p.MicEnabled, p.WebcamEnabled, p.ScreenShareEnabled)
		}
		return nil
	default:
		return sess.SendChat(ctx, line)
	}
}

// openStore builds the configured store and wraps writes with retries.
func openStore() (store.Store, error) {
	cfg := config.GlobalConfig.Store
	var inner store.Store
	switch cfg.Driver {
	case "redis":
		rs, err := store.NewRedisStore(context.Background(), store.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return nil, err
		}
		inner = rs
	default:
		inner = store.NewMemStore()
	}
	return store.NewRetryStore(inner, store.RetryPolicy{
		MaxAttempts: cfg.RetryMax,
		BaseWait:    cfg.RetryBaseWait,
	}), nil
}
