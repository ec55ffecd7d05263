package result

import (
	"bufio"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// brokerLatencyPattern matches a per-role latency line.
// Example: zeek-recording-logger (sending): 0.731s
var brokerLatencyPattern = regexp.MustCompile(`^zeek-recording-(.*?) \((.*?)\): (.*)s`)

// BrokerLatency is the outcome of one Broker throughput run. Latencies are in
// seconds, System is a CPU percentage.
type BrokerLatency struct {
	LoggerSending    float64 `json:"logger_sending"`
	LoggerReceiving  float64 `json:"logger_receiving"`
	ManagerSending   float64 `json:"manager_sending"`
	ManagerReceiving float64 `json:"manager_receiving"`
	ProxySending     float64 `json:"proxy_sending"`
	ProxyReceiving   float64 `json:"proxy_receiving"`
	WorkerSending    float64 `json:"worker_sending"`
	WorkerReceiving  float64 `json:"worker_receiving"`
	System           float64 `json:"system"`
}

// IncompleteError is returned when some, but not all, Broker fields were
// found in the output.
type IncompleteError struct {
	Missing []string
}

func (e *IncompleteError) Error() string {
	return fmt.Sprintf("incomplete broker result, missing %s", strings.Join(e.Missing, ", "))
}

// fields maps the "<role>_<direction>" key to its destination.
func (b *BrokerLatency) fields() map[string]*float64 {
	return map[string]*float64{
		"logger_sending":    &b.LoggerSending,
		"logger_receiving":  &b.LoggerReceiving,
		"manager_sending":   &b.ManagerSending,
		"manager_receiving": &b.ManagerReceiving,
		"proxy_sending":     &b.ProxySending,
		"proxy_receiving":   &b.ProxyReceiving,
		"worker_sending":    &b.WorkerSending,
		"worker_receiving":  &b.WorkerReceiving,
		"system":            &b.System,
	}
}

// ParseBrokerLatency extracts the latency block printed by the Broker runner.
// All eight role/direction pairs and the system line are required.
func ParseBrokerLatency(stdout []byte) (*BrokerLatency, error) {
	var (
		res   BrokerLatency
		dst   = res.fields()
		found = make(map[string]bool, len(dst))
	)

	sc := bufio.NewScanner(strings.NewReader(string(stdout)))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for sc.Scan() {
		line := sc.Text()

		switch {
		case strings.HasPrefix(line, "system:"):
			raw := strings.TrimPrefix(line, "system:")

			v, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(raw), "%"), 64)
			if err != nil {
				return nil, &MalformedError{Line: line, Reason: err.Error()}
			}

			res.System = v
			found["system"] = true
		case strings.HasPrefix(line, "zeek"):
			m := brokerLatencyPattern.FindStringSubmatch(line)
			if len(m) < 4 {
				continue
			}

			key := m[1] + "_" + m[2]

			ptr, ok := dst[key]
			if !ok {
				continue
			}

			v, err := strconv.ParseFloat(m[3], 64)
			if err != nil {
				return nil, &MalformedError{Line: line, Reason: err.Error()}
			}

			*ptr = v
			found[key] = true
		}
	}

	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scanning output: %w", err)
	}

	if len(found) == 0 {
		return nil, ErrResultNotFound
	}

	if len(found) < len(dst) {
		missing := make([]string, 0, len(dst)-len(found))

		for key := range dst {
			if !found[key] {
				missing = append(missing, key)
			}
		}

		sort.Strings(missing)

		return nil, &IncompleteError{Missing: missing}
	}

	return &res, nil
}
