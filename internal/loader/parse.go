package loader

import (
	"bufio"
	"regexp"
	"strconv"
	"strings"
)

// LoaderSummary is what the loader script reports on stdout.
type LoaderSummary struct {
	Reported int      // N from "Successfully loaded N model(s)"
	Models   []string // folder names, in output order
}

var (
	loadedCountRe  = regexp.MustCompile(`^Successfully loaded (\d+) model\(s\)$`)
	loadedFolderRe = regexp.MustCompile(`^Loaded model from folder '(.+)'$`)
)

// ParseLoaderOutput extracts the loader summary from stdout. Lines it does
// not recognise are ignored, so any script output parses.
func ParseLoaderOutput(stdout string) LoaderSummary {
	var s LoaderSummary
	sc := bufio.NewScanner(strings.NewReader(stdout))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if m := loadedCountRe.FindStringSubmatch(line); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil {
				s.Reported = n
			}
			continue
		}
		if m := loadedFolderRe.FindStringSubmatch(line); m != nil {
			s.Models = append(s.Models, m[1])
		}
	}
	return s
}
