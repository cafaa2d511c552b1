//go:build linux

package server

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"strings"
	"time"
)

// logListenBacklog logs the kernel's listen backlog limit (Linux-specific)
func logListenBacklog(addr string) {
	var somaxconn int
	if data, err := os.ReadFile("/proc/sys/net/core/somaxconn"); err == nil {
		fmt.Sscanf(string(data), "%d", &somaxconn)
	}

	log.Printf("TCP server listening on %s (kernel listen backlog: %d)", addr, somaxconn)
	if somaxconn > 0 && somaxconn < 4096 {
		log.Printf("WARNING: net.core.somaxconn=%d may drop connections under a join storm", somaxconn)
	}
}

// monitorListenOverflows logs whenever the kernel rejected connections
// because the accept queue was full. Returns on shutdown.
func (s *Server) monitorListenOverflows() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	lastOverflows := getListenOverflows()

	for {
		select {
		case <-ticker.C:
			overflows := getListenOverflows()
			if overflows > lastOverflows {
				errorLog.Printf("%d connection(s) rejected due to listen backlog overflow (total: %d)", overflows-lastOverflows, overflows)
			}
			lastOverflows = overflows

		case <-s.shutdown:
			return
		}
	}
}

// getListenOverflows reads the ListenOverflows counter from /proc/net/netstat
func getListenOverflows() uint64 {
	file, err := os.Open("/proc/net/netstat")
	if err != nil {
		return 0
	}
	defer file.Close()

	var headers, values []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 || fields[0] != "TcpExt:" {
			continue
		}
		if headers == nil {
			headers = fields[1:]
		} else {
			values = fields[1:]
			break
		}
	}

	for i, header := range headers {
		if header == "ListenOverflows" && i < len(values) {
			var overflows uint64
			fmt.Sscanf(values[i], "%d", &overflows)
			return overflows
		}
	}
	return 0
}
