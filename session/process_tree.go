package session

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ByteMirror/squadron/cmd"
)

// toolProcessNames are binaries the CLI spawns while working on a task.
var toolProcessNames = map[string]bool{
	"git": true, "rg": true, "grep": true, "node": true, "npm": true, "go": true,
	"python": true, "python3": true, "bash": true, "sh": true, "make": true, "cargo": true,
}

type procInfo struct {
	pid  int
	ppid int
	comm string
	cpu  float64
	rss  float64 // KiB
}

type processTree struct {
	procs    map[int]*procInfo
	children map[int][]int
}

// parseProcessTree parses `ps -axo pid=,ppid=,comm=,%cpu=,rss=` output.
// Malformed lines are skipped.
func parseProcessTree(out string) (*processTree, error) {
	tree := &processTree{
		procs:    make(map[int]*procInfo),
		children: make(map[int][]int),
	}
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 5 {
			continue
		}
		pid, err1 := strconv.Atoi(fields[0])
		ppid, err2 := strconv.Atoi(fields[1])
		cpu, err3 := strconv.ParseFloat(fields[len(fields)-2], 64)
		rss, err4 := strconv.ParseFloat(fields[len(fields)-1], 64)
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
			continue
		}
		comm := filepath.Base(strings.Join(fields[2:len(fields)-2], " "))
		tree.procs[pid] = &procInfo{pid: pid, ppid: ppid, comm: comm, cpu: cpu, rss: rss}
		tree.children[ppid] = append(tree.children[ppid], pid)
	}
	return tree, nil
}

// descendants returns every process below pid, excluding pid itself.
func (t *processTree) descendants(pid int) []*procInfo {
	var out []*procInfo
	seen := map[int]bool{pid: true}
	queue := append([]int{}, t.children[pid]...)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if seen[next] {
			continue
		}
		seen[next] = true
		if p, ok := t.procs[next]; ok {
			out = append(out, p)
		}
		queue = append(queue, t.children[next]...)
	}
	return out
}

// ProcessUsage is the aggregate resource usage of a process and its children.
type ProcessUsage struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryMB      float64 `json:"memory_mb"`
	Processes     int     `json:"processes"`
	ToolProcesses int     `json:"tool_processes"`
}

// SampleUsage measures pid and its descendants with ps.
func SampleUsage(exec cmd.Executor, pid int, timeout time.Duration) (ProcessUsage, error) {
	out, err := cmd.OutputTimeout(exec, timeout, "ps", "-axo", "pid=,ppid=,comm=,%cpu=,rss=")
	if err != nil {
		return ProcessUsage{}, fmt.Errorf("ps: %w", err)
	}
	tree, err := parseProcessTree(string(out))
	if err != nil {
		return ProcessUsage{}, err
	}
	root, ok := tree.procs[pid]
	if !ok {
		return ProcessUsage{}, fmt.Errorf("process %d not found", pid)
	}
	return usageOf(tree, root), nil
}

func usageOf(tree *processTree, root *procInfo) ProcessUsage {
	procs := append([]*procInfo{root}, tree.descendants(root.pid)...)
	var u ProcessUsage
	for _, p := range procs {
		u.CPUPercent += p.cpu
		u.MemoryMB += p.rss / 1024
		u.Processes++
		if toolProcessNames[p.comm] {
			u.ToolProcesses++
		}
	}
	return u
}
