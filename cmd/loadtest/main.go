package main

import (
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/aeolun/cipherchat/pkg/client"
	"github.com/aeolun/cipherchat/pkg/e2e"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/spf13/pflag"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat. Duis aute irure dolor in reprehenderit in voluptate velit esse cillum dolore eu fugiat nulla pariatur."

var loremWords = strings.Fields(loremIpsum)

// botUsername returns a unique, valid username for bot id
func botUsername(id int) string {
	return fmt.Sprintf("bot%d-%s", id, uuid.NewString()[:8])
}

// randomText generates 5-20 words of filler
func randomText() string {
	return strings.Join(lo.Times(5+rand.Intn(16), func(int) string {
		return loremWords[rand.Intn(len(loremWords))]
	}), " ")
}

// Stats tracks load test counters
type Stats struct {
	publicSent       atomic.Int64
	privateSent      atomic.Int64
	publicReceived   atomic.Int64
	privateReceived  atomic.Int64
	keysReceived     atomic.Int64
	localErrors      atomic.Int64
	connectionErrors atomic.Int64
	disconnections   atomic.Int64
	joinTime         atomic.Int64 // total, in microseconds
	joined           atomic.Int64
}

func (s *Stats) recordJoin(d time.Duration) {
	s.joined.Add(1)
	s.joinTime.Add(d.Microseconds())
}

func (s *Stats) avgJoinMs() float64 {
	joined := s.joined.Load()
	if joined == 0 {
		return 0
	}
	return float64(s.joinTime.Load()) / float64(joined) / 1000.0
}

// BotClient is a scripted chat participant
type BotClient struct {
	id       int
	username string
	address  string
	session  *client.Session
	stats    *Stats

	usersMu sync.Mutex
	users   []string
}

func NewBotClient(id int, address string, keyBits int, stats *Stats) (*BotClient, error) {
	key, err := e2e.GenerateKeyPair(keyBits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	session, err := client.NewSession(client.SessionOptions{PrivateKey: key})
	if err != nil {
		return nil, err
	}
	return &BotClient{
		id:       id,
		username: botUsername(id),
		address:  address,
		session:  session,
		stats:    stats,
	}, nil
}

// Join connects and waits until the relay has accepted the username
func (bc *BotClient) Join(timeout time.Duration) error {
	start := time.Now()
	if err := bc.session.Submit(client.Connect{Address: bc.address, Username: bc.username}); err != nil {
		return err
	}

	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-bc.session.Events():
			if !ok {
				return client.ErrSessionClosed
			}
			switch e := ev.(type) {
			case client.SettingsReceived:
				bc.stats.recordJoin(time.Since(start))
				return nil
			case client.UserListChanged:
				bc.setUsers(e.Users)
			case client.LocalError:
				return e.Err
			case client.ConnectionChanged:
				if e.State == client.StateTypeDisconnected {
					return fmt.Errorf("disconnected while joining: %v", e.Err)
				}
			}
		case <-deadline:
			return fmt.Errorf("timeout waiting for settings")
		}
	}
}

func (bc *BotClient) setUsers(users []string) {
	bc.usersMu.Lock()
	defer bc.usersMu.Unlock()
	bc.users = users
}

// randomPeer picks another online user, if any
func (bc *BotClient) randomPeer() (string, bool) {
	bc.usersMu.Lock()
	defer bc.usersMu.Unlock()
	peers := lo.Without(bc.users, bc.username)
	if len(peers) == 0 {
		return "", false
	}
	return lo.Sample(peers), true
}

// consume drains session events until the stream ends
func (bc *BotClient) consume() {
	for ev := range bc.session.Events() {
		switch e := ev.(type) {
		case client.MessageReceived:
			if e.From == bc.username {
				continue
			}
			if e.Private {
				bc.stats.privateReceived.Add(1)
			} else {
				bc.stats.publicReceived.Add(1)
			}
		case client.UserListChanged:
			bc.setUsers(e.Users)
		case client.KeyReceived:
			bc.stats.keysReceived.Add(1)
		case client.LocalError:
			bc.stats.localErrors.Add(1)
		case client.ConnectionChanged:
			if e.State == client.StateTypeDisconnected {
				bc.stats.disconnections.Add(1)
			}
		}
	}
}

// Run sends messages until duration elapses or stop closes. privateRatio
// is the share of messages sent as encrypted private messages.
func (bc *BotClient) Run(duration, minDelay, maxDelay time.Duration, privateRatio float64, stop <-chan struct{}) {
	defer bc.session.Close()

	consumed := make(chan struct{})
	go func() {
		defer close(consumed)
		bc.consume()
	}()

	endTime := time.Now().Add(duration)
	for time.Now().Before(endTime) {
		if peer, ok := bc.randomPeer(); ok && rand.Float64() < privateRatio {
			if bc.session.Submit(client.SendPrivate{Recipient: peer, Text: randomText()}) == nil {
				bc.stats.privateSent.Add(1)
			}
		} else {
			text := randomText()
			// Typing first, the way a person would
			_ = bc.session.Submit(client.SetTyping{Input: text[:len(text)/2]})
			if bc.session.Submit(client.SendPublic{Text: text}) == nil {
				bc.stats.publicSent.Add(1)
			}
		}

		delay := minDelay
		if maxDelay > minDelay {
			delay += time.Duration(rand.Int63n(int64(maxDelay - minDelay)))
		}
		select {
		case <-time.After(delay):
		case <-stop:
			endTime = time.Now()
		}
	}

	_ = bc.session.Submit(client.Disconnect{})
	bc.session.Close()
	<-consumed
}

func main() {
	flags := pflag.NewFlagSet("cipherchat-loadtest", pflag.ExitOnError)
	serverAddr := flags.String("server", "localhost:5054", "Server address: host[:port] or ws://host[:port]")
	numClients := flags.Int("clients", 10, "Number of concurrent clients")
	duration := flags.Duration("duration", 1*time.Minute, "Test duration")
	minDelay := flags.Duration("min-delay", 100*time.Millisecond, "Minimum delay between messages")
	maxDelay := flags.Duration("max-delay", 1*time.Second, "Maximum delay between messages")
	privateRatio := flags.Float64("private-ratio", 0.2, "Share of messages sent privately (0-1)")
	keyBits := flags.Int("key-bits", 2048, "RSA key size for bot identities")
	_ = flags.Parse(os.Args[1:])

	// Ramp up over 25% of test duration
	rampUpDuration := *duration / 4
	staggerDelay := max(rampUpDuration/time.Duration(max(*numClients, 1)), time.Millisecond)

	log.Printf("Starting load test:")
	log.Printf("  Server: %s", *serverAddr)
	log.Printf("  Clients: %d", *numClients)
	log.Printf("  Duration: %v", *duration)
	log.Printf("  Ramp-up: %v (%v per client)", rampUpDuration, staggerDelay)
	log.Printf("  Delay: %v - %v", *minDelay, *maxDelay)
	log.Printf("  Private messages: %.0f%%", *privateRatio*100)
	log.Printf("")

	stats := &Stats{}
	stop := make(chan struct{})
	var stopOnce sync.Once
	var wg sync.WaitGroup

	stopStats := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		startTime := time.Now()
		for {
			select {
			case <-ticker.C:
				elapsed := time.Since(startTime).Seconds()
				sent := stats.publicSent.Load() + stats.privateSent.Load()
				log.Printf("Stats: %d joined, %d sent (%.1f/s), %d public / %d private received, %d errors",
					stats.joined.Load(), sent, float64(sent)/elapsed,
					stats.publicReceived.Load(), stats.privateReceived.Load(), stats.localErrors.Load())
			case <-stopStats:
				return
			}
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Printf("Shutdown signal received, stopping test...")
		stopOnce.Do(func() { close(stop) })
	}()

	started := time.Now()
spawn:
	for i := 0; i < *numClients; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()

			bot, err := NewBotClient(id, *serverAddr, *keyBits, stats)
			if err != nil {
				stats.connectionErrors.Add(1)
				return
			}
			if err := bot.Join(10 * time.Second); err != nil {
				stats.connectionErrors.Add(1)
				bot.session.Close()
				if id%100 == 0 {
					log.Printf("[Bot %d] Join failed: %v", id, err)
				}
				return
			}

			// Only log every 100th client during ramp-up
			if id%100 == 0 {
				log.Printf("[Bot %d] Joined as %s", id, bot.username)
			}

			remaining := *duration - time.Since(started)
			bot.Run(remaining, *minDelay, *maxDelay, *privateRatio, stop)
		}(i)

		select {
		case <-time.After(staggerDelay):
		case <-stop:
			break spawn
		}
	}

	wg.Wait()
	close(stopStats)

	elapsed := time.Since(started)
	public := stats.publicSent.Load()
	private := stats.privateSent.Load()

	log.Printf("=== Final Results ===")
	log.Printf("Duration: %v", elapsed.Round(time.Millisecond))
	log.Printf("Clients joined: %d of %d (avg join %.2fms)", stats.joined.Load(), *numClients, stats.avgJoinMs())
	log.Printf("Connection errors: %d", stats.connectionErrors.Load())
	log.Printf("Messages sent: %d public, %d private (%.1f/s)", public, private, float64(public+private)/elapsed.Seconds())
	log.Printf("Messages received: %d public, %d private", stats.publicReceived.Load(), stats.privateReceived.Load())
	log.Printf("Keys exchanged: %d", stats.keysReceived.Load())
	log.Printf("Client-side errors: %d", stats.localErrors.Load())
	log.Printf("Disconnections: %d", stats.disconnections.Load())
}
