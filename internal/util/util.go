package util

import (
	"fmt"
	"runtime"
	"strings"
)

// GetTrace produces the string representation of a stack trace
func GetTrace() string {
	var name, file string
	var line int
	var pc [16]uintptr
	var res strings.Builder
	n := runtime.Callers(3, pc[:])
	for _, pc := range pc[:n] {
		fn := runtime.FuncForPC(pc)
		if fn == nil {
			continue
		}
		file, line = fn.FileLine(pc)
		name = fn.Name()
		if !strings.HasPrefix(name, "runtime.") {
			fmt.Fprintf(&res, "%s\n\t%s:%d\n", name, file, line)
		}
	}
	return res.String()
}

// FormatMultiError formats multierrors for logging
func FormatMultiError(merrs []error) string {
	var msg = ""
	for i := 0; i < len(merrs); i++ {
		msg += fmt.Sprintf("%+v\n", merrs[i])
	}
	return msg
}

// Destination expands a destination pattern for a single group. The placeholders {job},
// {group} and {rank} are replaced; if the pattern has no {group} placeholder and the job
// has several groups, the group id is inserted before the file extension so that
// collectors never overwrite each other's output.
func Destination(pattern string, job string, group int, rank int, numGroups int) string {
	hasGroup := strings.Contains(pattern, "{group}")
	res := strings.NewReplacer(
		"{job}", job,
		"{group}", fmt.Sprintf("%d", group),
		"{rank}", fmt.Sprintf("%d", rank),
	).Replace(pattern)
	if hasGroup || numGroups <= 1 {
		return res
	}
	slash := strings.LastIndexAny(res, "/\\")
	dot := strings.LastIndex(res, ".")
	if dot <= slash+1 {
		return fmt.Sprintf("%s_%d", res, group)
	}
	return fmt.Sprintf("%s_%d%s", res[:dot], group, res[dot:])
}
