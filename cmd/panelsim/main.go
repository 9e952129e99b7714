package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
)

// PanelSimulator replays status telegrams against a panelwatch server the
// way a serial-over-TCP bridge would.
type PanelSimulator struct {
	serverAddr string
	interval   time.Duration
	verbose    bool
	conn       net.Conn // Persistent connection
	telegrams  []string // Encoded telegrams to replay
	index      int      // Current position in the sequence
	ackCount   int
	nakCount   int
}

// Built-in scenarios. Each line is a telegram in field notation: the first
// field is the master word, the rest are status records or bell tokens.
var scenarios = map[string][]string{
	"normal": {
		"401F",
		"401F 010000",
	},
	"alarm": {
		"401F",
		"400F 010003",
		"400F 010003 BLON01",
		"401F",
	},
	"trouble": {
		"401F",
		"4017 010100",
		"401F 010000",
		"4017 010100",
	},
	"malformed": {
		"401F",
		"zz not a telegram",
		"401F 010000",
	},
}

// encodeTelegram turns "400F 010003 BLON01" into a framed wire telegram.
// A trailing newline keeps the stream readable for bridges that split on
// line ends instead of the frame marker.
func encodeTelegram(line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString(fields[0])
	for _, field := range fields[1:] {
		b.WriteByte(0x02)
		b.WriteString(field)
	}
	if len(fields) > 1 {
		b.WriteByte(0x03)
	}
	b.WriteByte('\n')
	return b.String()
}

// loadTelegramsFromFile reads telegram lines in field notation from the
// specified file.
func loadTelegramsFromFile(filename string) ([]string, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open file %s: %w", filename, err)
	}
	defer file.Close()

	var telegrams []string
	scanner := bufio.NewScanner(file)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" && !strings.HasPrefix(line, "#") { // Skip empty lines and comments
			telegrams = append(telegrams, encodeTelegram(line))
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading file: %w", err)
	}

	if len(telegrams) == 0 {
		return nil, fmt.Errorf("no telegrams found in file %s", filename)
	}

	return telegrams, nil
}

// NewPanelSimulator creates a simulator replaying either a file or a
// built-in scenario.
func NewPanelSimulator(serverAddr, telegramFile, scenario string, interval time.Duration, verbose bool) (*PanelSimulator, error) {
	var telegrams []string
	if telegramFile != "" {
		loaded, err := loadTelegramsFromFile(telegramFile)
		if err != nil {
			return nil, err
		}
		telegrams = loaded
	} else {
		lines, ok := scenarios[scenario]
		if !ok {
			return nil, fmt.Errorf("unknown scenario %q (have: normal, alarm, trouble, malformed)", scenario)
		}
		for _, line := range lines {
			telegrams = append(telegrams, encodeTelegram(line))
		}
	}

	return &PanelSimulator{
		serverAddr: serverAddr,
		interval:   interval,
		verbose:    verbose,
		telegrams:  telegrams,
		index:      0,
	}, nil
}

// connect establishes the connection to the panelwatch server
func (sim *PanelSimulator) connect(ctx context.Context) error {
	if sim.verbose {
		log.Printf("🔗 Connecting to panelwatch server at %s", sim.serverAddr)
	}

	dialer := &net.Dialer{Timeout: 5 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", sim.serverAddr)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", sim.serverAddr, err)
	}

	sim.conn = conn

	if sim.verbose {
		log.Printf("✅ Connected to panelwatch server")
	}

	return nil
}

// disconnect closes the connection to the server
func (sim *PanelSimulator) disconnect() {
	if sim.conn != nil {
		sim.conn.Close()
		sim.conn = nil
		if sim.verbose {
			log.Printf("🔌 Disconnected from server")
		}
	}
}

// isConnected checks if we have an active connection
func (sim *PanelSimulator) isConnected() bool {
	return sim.conn != nil
}

// nextTelegram returns the next telegram in the sequence, cycling through
func (sim *PanelSimulator) nextTelegram() string {
	if len(sim.telegrams) == 0 {
		return ""
	}

	telegram := sim.telegrams[sim.index]
	sim.index = (sim.index + 1) % len(sim.telegrams) // Cycle through the sequence
	return telegram
}

// sendTelegram sends one telegram and reads the link reply when the server
// has acknowledgements enabled.
func (sim *PanelSimulator) sendTelegram(telegram string) error {
	if !sim.isConnected() {
		return fmt.Errorf("not connected to server")
	}

	if err := sim.conn.SetWriteDeadline(time.Now().Add(3 * time.Second)); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}

	n, err := sim.conn.Write([]byte(telegram))
	if err != nil {
		return fmt.Errorf("failed to write telegram: %w", err)
	}

	if sim.verbose {
		log.Printf("📤 Sent %d bytes - %q", n, strings.TrimRight(telegram, "\n"))
	}

	// Try to read the ACK or NAK byte
	if err := sim.conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		return fmt.Errorf("failed to set read deadline: %w", err)
	}

	reply := make([]byte, 1)
	respN, respErr := sim.conn.Read(reply)
	if respErr == nil && respN > 0 {
		switch reply[0] {
		case 0x06:
			sim.ackCount++
			if sim.verbose {
				log.Printf("📥 ACK")
			}
		case 0x15:
			sim.nakCount++
			if sim.verbose {
				log.Printf("📥 NAK")
			}
		default:
			if sim.verbose {
				log.Printf("📥 Unexpected reply byte 0x%02X", reply[0])
			}
		}
	} else if sim.verbose && respErr != nil {
		// A timeout is expected when acknowledgements are disabled
		if !strings.Contains(respErr.Error(), "timeout") && !strings.Contains(respErr.Error(), "deadline") {
			log.Printf("   Reply error: %v", respErr)
		}
	}

	return nil
}

// Run starts the panel simulator
func (sim *PanelSimulator) Run(ctx context.Context) error {
	log.Printf("🔔 Starting Panel Bridge Simulator")
	log.Printf("   Server Address: %s", sim.serverAddr)
	log.Printf("   Send Interval: %v", sim.interval)
	log.Printf("   Telegrams: %d", len(sim.telegrams))
	log.Printf("   Verbose: %v", sim.verbose)
	log.Printf("")

	// Establish persistent connection
	if err := sim.connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer sim.disconnect()

	ticker := time.NewTicker(sim.interval)
	defer ticker.Stop()

	telegramCount := 0
	startTime := time.Now()

	log.Printf("📡 Starting telegram transmission every %v", sim.interval)
	log.Printf("Press Ctrl+C to stop...")
	log.Printf("")

	for {
		select {
		case <-ctx.Done():
			elapsed := time.Since(startTime)
			log.Printf("")
			log.Printf("🛑 Panel simulator stopped")
			log.Printf("   Telegrams sent: %d", telegramCount)
			log.Printf("   ACKs: %d  NAKs: %d", sim.ackCount, sim.nakCount)
			log.Printf("   Runtime: %v", elapsed.Round(time.Second))
			return ctx.Err()

		case <-ticker.C:
			// Check if connection is still alive
			if !sim.isConnected() {
				log.Printf("🔗 Connection lost, reconnecting...")
				if err := sim.connect(ctx); err != nil {
					log.Printf("❌ Failed to reconnect: %v", err)
					continue
				}
			}

			telegram := sim.nextTelegram()
			if telegram == "" {
				log.Printf("❌ No telegrams available")
				continue
			}

			if err := sim.sendTelegram(telegram); err != nil {
				log.Printf("❌ Error sending telegram: %v", err)
				// On error, try to reconnect for next attempt
				sim.disconnect()
				continue
			}

			telegramCount++
			if !sim.verbose {
				// Show periodic status in non-verbose mode
				if telegramCount%10 == 0 {
					elapsed := time.Since(startTime)
					log.Printf("📊 Sent %d telegrams in %v (ACK %d / NAK %d)",
						telegramCount, elapsed.Round(time.Second), sim.ackCount, sim.nakCount)
				}
			}
		}
	}
}

func main() {
	var (
		serverAddr   = flag.String("server", "localhost:10001", "panelwatch server address (host:port)")
		telegramFile = flag.String("file", "", "File containing telegrams in field notation (one per line)")
		scenario     = flag.String("scenario", "normal", "Built-in scenario: normal, alarm, trouble, malformed")
		interval     = flag.Duration("interval", 2*time.Second, "Interval between telegrams")
		verbose      = flag.Bool("verbose", false, "Enable verbose logging")
		help         = flag.Bool("help", false, "Show help message")
	)
	flag.Parse()

	if *help {
		fmt.Printf("Panel Bridge Simulator for panelwatch\n\n")
		fmt.Printf("This tool replays status telegrams against a panelwatch server the way a\n")
		fmt.Printf("serial-over-TCP bridge would, for testing the socket feed end to end.\n\n")
		fmt.Printf("Usage:\n")
		flag.PrintDefaults()
		fmt.Printf("\nExample:\n")
		fmt.Printf("  %s -server localhost:10001 -scenario alarm -interval 2s -verbose\n", os.Args[0])
		fmt.Printf("  %s -server 192.168.1.100:10001 -file telegrams.txt\n", os.Args[0])
		fmt.Printf("\nTelegram files use field notation, one telegram per line: the first field\n")
		fmt.Printf("is the master word, the remaining fields are status records or bell tokens,\n")
		fmt.Printf("for example \"400F 010003 BLON01\". Empty lines and lines starting with #\n")
		fmt.Printf("are ignored. The simulator cycles through the sequence continuously.\n")
		os.Exit(0)
	}

	// Validate server address
	if _, _, err := net.SplitHostPort(*serverAddr); err != nil {
		log.Fatalf("❌ Invalid server address '%s': %v", *serverAddr, err)
	}

	// Create simulator
	sim, err := NewPanelSimulator(*serverAddr, *telegramFile, *scenario, *interval, *verbose)
	if err != nil {
		log.Fatalf("❌ Failed to create simulator: %v", err)
	}

	// Set up signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Printf("\n⚠️  Received signal %v, shutting down...", sig)
		cancel()
	}()

	// Test initial connection
	log.Printf("🔍 Testing connection to %s...", *serverAddr)
	conn, err := net.DialTimeout("tcp", *serverAddr, 5*time.Second)
	if err != nil {
		log.Fatalf("❌ Cannot connect to panelwatch server at %s: %v\n"+
			"   Make sure your panelwatch server is running and listening on this address.", *serverAddr, err)
	}
	conn.Close()
	log.Printf("✅ Connection successful!")
	log.Printf("")

	// Run simulator
	if err := sim.Run(ctx); err != nil && err != context.Canceled {
		log.Fatalf("❌ Simulator error: %v", err)
	}
}
