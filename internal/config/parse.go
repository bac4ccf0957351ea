package config

import (
	"fmt"
	"strings"
)

// ParseEndpointMap parses "chainId=url,url;chainId=url". URL order is priority order.
func ParseEndpointMap(input string) (map[uint64][]string, error) {
	out := make(map[uint64][]string)
	for _, entry := range splitEntries(input) {
		id, value, err := splitEntry(entry)
		if err != nil {
			return nil, err
		}
		urls := splitAndClean(value)
		if len(urls) == 0 {
			return nil, fmt.Errorf("chain %d: no endpoints", id)
		}
		out[id] = urls
	}
	return out, nil
}

// ParseContractMap parses "chainId=car[,maintenance[,insurance]];...". Omitted or empty
// positions stay empty.
func ParseContractMap(input string) (map[uint64][3]string, error) {
	out := make(map[uint64][3]string)
	for _, entry := range splitEntries(input) {
		id, value, err := splitEntry(entry)
		if err != nil {
			return nil, err
		}
		parts := strings.Split(value, ",")
		if len(parts) > 3 {
			return nil, fmt.Errorf("chain %d: expected at most 3 addresses, got %d", id, len(parts))
		}
		var addrs [3]string
		for i, part := range parts {
			addrs[i] = strings.TrimSpace(part)
		}
		if addrs[0] == "" {
			return nil, fmt.Errorf("chain %d: car address required", id)
		}
		out[id] = addrs
	}
	return out, nil
}

// ParseChainIDs parses decimal chain ids, dropping blanks and repeats.
func ParseChainIDs(inputs []string) ([]uint64, error) {
	var out []uint64
	seen := make(map[uint64]struct{})
	for _, input := range cleanStrings(inputs) {
		id, err := parseChainID(input)
		if err != nil {
			return nil, err
		}
		if id == 0 {
			return nil, fmt.Errorf("invalid chain id %q", input)
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, nil
}

func splitEntries(input string) []string {
	return cleanStrings(strings.Split(input, ";"))
}

func splitEntry(entry string) (uint64, string, error) {
	key, value, ok := strings.Cut(entry, "=")
	if !ok {
		return 0, "", fmt.Errorf("entry %q: expected chainId=value", entry)
	}
	id, err := parseChainID(key)
	if err != nil {
		return 0, "", err
	}
	return id, value, nil
}
