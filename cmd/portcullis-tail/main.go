// portcullis-tail follows a project's activity stream from the terminal.
//
// Usage:
//
//	portcullis-tail -project proj_ab12cd34 [-server http://localhost:8400] [-verbosity 3]
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"
)

type event struct {
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Source    string          `json:"source"`
	Message   string          `json:"message"`
	Type      string          `json:"type"`
	Details   json.RawMessage `json:"details"`
	Output    string          `json:"output"`
	Verbosity int             `json:"verbosity"`
}

func main() {
	server := flag.String("server", "http://localhost:8400", "portcullis server base URL")
	project := flag.String("project", "", "project ID to follow")
	verbosity := flag.Int("verbosity", 3, "verbosity tier (1-3)")
	showHeartbeats := flag.Bool("heartbeats", false, "print heartbeat events")
	flag.Parse()

	if *project == "" {
		fmt.Fprintln(os.Stderr, "usage: portcullis-tail -project <id> [-server url] [-verbosity 1..3]")
		os.Exit(2)
	}

	url := fmt.Sprintf("%s/sse/projects/%s?verbosity=%d", strings.TrimRight(*server, "/"), *project, *verbosity)
	resp, err := http.Get(url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "server returned %s\n", resp.Status)
		os.Exit(1)
	}

	var eventName string
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			eventName = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			handle(eventName, strings.TrimPrefix(line, "data: "), *showHeartbeats)
		}
	}
	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "stream ended: %v\n", err)
		os.Exit(1)
	}
}

func handle(name, data string, showHeartbeats bool) {
	if name == "heartbeat" {
		if showHeartbeats {
			fmt.Printf("%s ♥\n", time.Now().Format("15:04:05"))
		}
		return
	}

	var ev event
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		fmt.Printf("?? %s\n", data)
		return
	}

	line := fmt.Sprintf("%s [%s] %s", ev.Timestamp.Local().Format("15:04:05"), ev.Type, ev.Message)
	if ev.Output != "" {
		line += " | " + ev.Output
	}
	fmt.Println(line)
}
