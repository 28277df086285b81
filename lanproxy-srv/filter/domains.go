package filter

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	ahocorasick "github.com/BobuSumisu/aho-corasick"
	"github.com/codefionn/lanproxy/lanproxy-srv/logger"
	"gopkg.in/yaml.v3"
)

var rgComment = regexp.MustCompile(`\A(.*?)[ \t\v]*(?:[#;].*)?\z`)
var rgSplitDomains = regexp.MustCompile(`[ \t\v]+`)

// domainMatcher matches a host against a domain list, including subdomains
type domainMatcher struct {
	trie    *ahocorasick.Trie
	domains []string
}

func newDomainMatcher(domains []string) *domainMatcher {
	if len(domains) == 0 {
		return &domainMatcher{}
	}
	return &domainMatcher{
		trie:    ahocorasick.NewTrieBuilder().AddStrings(domains).Build(),
		domains: domains,
	}
}

// Match reports whether host equals a listed domain or is a subdomain of one
func (m *domainMatcher) Match(host string) (string, bool) {
	if m == nil || m.trie == nil {
		return "", false
	}
	for _, match := range m.trie.MatchString(host) {
		domain := m.domains[match.Pattern()]
		if !strings.HasSuffix(host, domain) {
			continue
		}
		if len(host) == len(domain) {
			return domain, true
		}
		if host[len(host)-len(domain)-1] == '.' {
			return domain, true
		}
	}
	return "", false
}

func (m *domainMatcher) Len() int {
	if m == nil {
		return 0
	}
	return len(m.domains)
}

func absPath(path string) (string, error) {
	cleanPath := filepath.Clean(path)
	if filepath.IsAbs(cleanPath) {
		return cleanPath, nil
	}
	abs, err := filepath.Abs(cleanPath)
	if err != nil {
		return "", fmt.Errorf("invalid file path: %w", err)
	}
	return abs, nil
}

// readDomainsFile parses a hosts-style file. Comments start with # or ;,
// 0.0.0.0 sink addresses are skipped and *. prefixes are stripped.
func readDomainsFile(path string) ([]string, error) {
	cleanPath, err := absPath(path)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open domains file: %w", err)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			logger.Error("Error closing domains file: %v", closeErr)
		}
	}()

	var domainList []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}

		line = rgComment.FindStringSubmatch(line)[1]

		for _, domain := range rgSplitDomains.Split(line, -1) {
			if domain == "" || domain == "0.0.0.0" || domain == "127.0.0.1" {
				continue
			}
			domainList = append(domainList, strings.TrimPrefix(domain, "*."))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading domains file: %w", err)
	}

	if len(domainList) == 0 {
		logger.Warn("No domains found in file: %s", path)
	}
	return domainList, nil
}

// seedFile is the YAML blocklist layout
type seedFile struct {
	BlockedDomains []string `yaml:"blocked_domains"`
}

// readSeedFile returns exact hosts and wildcard (*.) domains separately
func readSeedFile(path string) (exact []string, wildcard []string, err error) {
	cleanPath, err := absPath(path)
	if err != nil {
		return nil, nil, err
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read seed file: %w", err)
	}

	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, nil, fmt.Errorf("failed to parse seed file %s: %w", path, err)
	}

	for _, entry := range seed.BlockedDomains {
		entry = strings.TrimSpace(entry)
		switch {
		case entry == "":
		case strings.HasPrefix(entry, "*."):
			wildcard = append(wildcard, entry[2:])
		default:
			exact = append(exact, entry)
		}
	}
	return exact, wildcard, nil
}
