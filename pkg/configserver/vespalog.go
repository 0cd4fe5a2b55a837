package configserver

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/hostedops/deployoor/pkg/deployment"
)

// ParseVespaLog parses the tab-separated Vespa log format into run log
// entries. Each line is
//
//	epochSeconds.micros \t host \t pid \t service \t component \t level \t message
//
// with newlines and tabs escaped in the message. Lines without exactly seven
// fields are skipped.
func ParseVespaLog(r io.Reader) ([]deployment.LogEntry, error) {
	var entries []deployment.LogEntry

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		parts := strings.Split(scanner.Text(), "\t")
		if len(parts) != 7 {
			continue
		}

		epoch, err := strconv.ParseFloat(parts[0], 64)
		if err != nil {
			continue
		}

		message := strings.ReplaceAll(parts[6], `\n`, "\n")
		message = strings.ReplaceAll(message, `\t`, "\t")

		entries = append(entries, deployment.LogEntry{
			ID:      0,
			AtMs:    int64(epoch * 1000),
			Level:   deployment.LevelOf(parts[5]),
			Message: parts[1] + "\t" + parts[3] + "\t" + parts[4] + "\n" + message,
		})
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return entries, nil
}
