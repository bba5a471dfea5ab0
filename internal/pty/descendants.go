package pty

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// descendants walks the process tree below pid. Children that moved to
// their own session or group are included so they can be reaped even after
// the group signal misses them.
func descendants(pid int) []int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	root, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return nil
	}

	var out []int
	queue := []*process.Process{root}
	seen := map[int32]bool{root.Pid: true}
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		children, err := p.ChildrenWithContext(ctx)
		if err != nil {
			continue
		}
		for _, c := range children {
			if seen[c.Pid] {
				continue
			}
			seen[c.Pid] = true
			out = append(out, int(c.Pid))
			queue = append(queue, c)
		}
	}
	return out
}
