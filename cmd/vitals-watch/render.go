package main

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"oximeter-vitals/internal/feed"
	"oximeter-vitals/internal/vitals"

	"github.com/dustin/go-humanize"
)

// renderer 终端展示层：每次状态更新重绘最近若干条读数
type renderer struct {
	out      io.Writer
	rows     int
	now      func() time.Time
	notFound chan vitals.SessionKey

	mu sync.Mutex
}

func newRenderer(out io.Writer, rows int) *renderer {
	if rows <= 0 {
		rows = 10
	}
	return &renderer{
		out:      out,
		rows:     rows,
		now:      time.Now,
		notFound: make(chan vitals.SessionKey, 1),
	}
}

func (r *renderer) StateChanged(key vitals.SessionKey, s feed.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprint(r.out, r.render(key, s))
}

// SessionNotFound 交给主循环处理（退出并提示重新选择会话）
func (r *renderer) SessionNotFound(key vitals.SessionKey) {
	select {
	case r.notFound <- key:
	default:
	}
}

func (r *renderer) render(key vitals.SessionKey, s feed.State) string {
	var b strings.Builder

	title := "default feed"
	if !key.IsDefault() {
		title = "session " + key.String()
	}
	fmt.Fprintf(&b, "== %s (%s) ==\n", title, key.Channel())

	if s.ConnectionError {
		b.WriteString("!! unable to reach the vitals provider, showing last known readings\n")
	}

	if len(s.Buffer) == 0 {
		b.WriteString("   waiting for readings...\n")
		return b.String()
	}

	rows := s.Buffer
	if len(rows) > r.rows {
		rows = rows[len(rows)-r.rows:]
	}
	now := r.now()
	fmt.Fprintf(&b, "%5s  %-16s  %6s  %6s\n", "#", "time", "SpO2", "pulse")
	for _, rec := range rows {
		fmt.Fprintf(&b, "%5d  %-16s  %5.0f%%  %6.0f\n",
			rec.Index,
			humanize.RelTime(rec.Time(), now, "ago", "from now"),
			rec.SpO2,
			rec.Pulse,
		)
	}

	if latest, ok := s.Buffer.Latest(); ok {
		fmt.Fprintf(&b, "   latest: SpO2 %.0f%%  pulse %.0f bpm  (%s readings)\n",
			latest.SpO2, latest.Pulse, humanize.Comma(int64(len(s.Buffer))))
	}
	return b.String()
}
