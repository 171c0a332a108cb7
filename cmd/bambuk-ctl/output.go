package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"bambuk-rpc/client"
	"bambuk-rpc/codec"
	"bambuk-rpc/endpoint"
)

// parseData decodes a --data value. "@path" reads the JSON from a file; an empty value is null.
func parseData(s string, readFile func(string) ([]byte, error)) (any, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	raw := []byte(s)
	if path, ok := strings.CutPrefix(s, "@"); ok {
		var err error
		if raw, err = readFile(path); err != nil {
			return nil, err
		}
	}
	v, err := codec.DecodeReply(raw)
	if err != nil {
		return nil, fmt.Errorf("--data: %w", err)
	}
	return v, nil
}

// single returns the only host when the command targets exactly one host id.
func single(eps []endpoint.Endpoint, hosts []string) (string, bool) {
	if len(eps) == 0 && len(hosts) == 1 {
		return hosts[0], true
	}
	return "", false
}

func singleEndpoint(eps []endpoint.Endpoint, hosts []string) (endpoint.Endpoint, error) {
	if len(eps) != 1 || len(hosts) != 0 {
		return endpoint.Endpoint{}, errors.New("this verb takes exactly one --endpoint or --host")
	}
	return eps[0], nil
}

// mergeReports folds the host-addressed report into the endpoint-addressed one.
func mergeReports(a, b *client.BatchReport) *client.BatchReport {
	if b == nil {
		return a
	}
	merged := &client.BatchReport{
		ID:      a.ID,
		Sent:    a.Sent + b.Sent,
		Failed:  make(map[string]error, len(a.Failed)+len(b.Failed)),
		Elapsed: a.Elapsed + b.Elapsed,
	}
	for _, r := range []*client.BatchReport{a, b} {
		for k, err := range r.Failed {
			merged.Failed[k] = err
		}
	}
	return merged
}

type reportSummary struct {
	Sent      int               `json:"sent"`
	Delivered int               `json:"delivered"`
	Failed    map[string]string `json:"failed,omitempty"`
	Elapsed   string            `json:"elapsed"`
}

func summarize(r *client.BatchReport) reportSummary {
	s := reportSummary{
		Sent:      r.Sent,
		Delivered: r.Delivered(),
		Elapsed:   r.Elapsed.String(),
	}
	if len(r.Failed) > 0 {
		s.Failed = make(map[string]string, len(r.Failed))
		keys := make([]string, 0, len(r.Failed))
		for k := range r.Failed {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			s.Failed[k] = r.Failed[k].Error()
		}
	}
	return s
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
