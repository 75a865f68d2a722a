package orgmode

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/harrisonrobin/flowfocus/pkg/model"
	"github.com/harrisonrobin/flowfocus/pkg/util"
)

var (
	headingRegex = regexp.MustCompile(`^\*+\s+(TODO|DONE)\s+(?:\[#([A-Za-z])\]\s*)?(.*?)(?:\s+(:[\w@:]+:))?\s*$`)
	effortRegex  = regexp.MustCompile(`^:EFFORT:\s+(\S+)`)
	idRegex      = regexp.MustCompile(`^:ID:\s+(\S+)`)
	otherHeading = regexp.MustCompile(`^\*+\s`)
)

// ParseFile parses an Org-mode file and returns its TODO and DONE headings
// as tasks.
func ParseFile(filePath string) ([]model.Task, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return Parse(file)
}

// ParseFiles parses multiple Org-mode files.
func ParseFiles(filePaths []string) ([]model.Task, error) {
	var allTasks []model.Task
	for _, filePath := range filePaths {
		tasks, err := ParseFile(filePath)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filePath, err)
		}
		allTasks = append(allTasks, tasks...)
	}
	return allTasks, nil
}

// Parse reads Org-mode headings. Priority cookies map A/B/C to
// high/medium/low and the EFFORT property (H:MM or a duration) becomes the
// estimate. Body text up to the next heading is kept as the description.
func Parse(r io.Reader) ([]model.Task, error) {
	scanner := bufio.NewScanner(r)
	var tasks []model.Task
	var current *model.Task
	var body []string

	flush := func() error {
		if current == nil {
			return nil
		}
		current.Description = strings.TrimSpace(strings.Join(body, "\n"))
		if err := current.Validate(); err != nil {
			return err
		}
		tasks = append(tasks, *current)
		current, body = nil, nil
		return nil
	}

	lineNo := 0
	inDrawer := false
	for scanner.Scan() {
		lineNo++
		raw := scanner.Text()
		line := strings.TrimSpace(raw)

		if matches := headingRegex.FindStringSubmatch(raw); matches != nil {
			if err := flush(); err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNo, err)
			}
			priority, err := model.ParsePriority(matches[2])
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNo, err)
			}
			current = &model.Task{
				Title:           strings.TrimSpace(matches[3]),
				Priority:        priority,
				DurationMinutes: model.DefaultDurationMinutes,
				Completed:       matches[1] == "DONE",
				Source:          "orgmode",
			}
			inDrawer = false
			continue
		}
		if otherHeading.MatchString(raw) {
			if err := flush(); err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNo, err)
			}
			continue
		}
		if current == nil {
			continue
		}

		switch {
		case line == ":PROPERTIES:":
			inDrawer = true
		case line == ":END:":
			inDrawer = false
		case inDrawer:
			if m := effortRegex.FindStringSubmatch(line); m != nil {
				current.DurationMinutes = parseEffort(m[1])
			} else if m := idRegex.FindStringSubmatch(line); m != nil {
				current.ID = m[1]
			}
		case strings.HasPrefix(line, "SCHEDULED:") || strings.HasPrefix(line, "DEADLINE:") || strings.HasPrefix(line, "CLOSED:"):
		default:
			body = append(body, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if err := flush(); err != nil {
		return nil, fmt.Errorf("line %d: %w", lineNo, err)
	}
	return tasks, nil
}

// parseEffort understands Org's "1:30" and "0:45" as well as "90m".
func parseEffort(s string) int {
	if h, m, ok := strings.Cut(s, ":"); ok {
		hours, err1 := strconv.Atoi(h)
		mins, err2 := strconv.Atoi(m)
		if err1 == nil && err2 == nil && hours*60+mins > 0 {
			return hours*60 + mins
		}
		return model.DefaultDurationMinutes
	}
	return util.DurationMinutes(s, model.DefaultDurationMinutes)
}
