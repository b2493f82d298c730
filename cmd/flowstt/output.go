package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/loqalabs/flowstt/internal/protocol"
)

// printer renders responses either for people or, with --format json, as
// one JSON document per line.
type printer struct {
	w    io.Writer
	json bool
}

func newPrinter(w io.Writer, format string) (*printer, error) {
	switch format {
	case "text":
		return &printer{w: w}, nil
	case "json":
		return &printer{w: w, json: true}, nil
	}
	return nil, usagef("invalid --format %q (expected text or json)", format)
}

func (p *printer) emit(v any) error {
	enc := json.NewEncoder(p.w)
	return enc.Encode(v)
}

func (p *printer) version(v string) {
	if p.json {
		_ = p.emit(map[string]string{"version": v})
		return
	}
	fmt.Fprintln(p.w, v)
}

func (p *printer) value(key string, v any) error {
	if p.json {
		return p.emit(map[string]any{key: v})
	}
	if list, ok := v.([]string); ok {
		v = strings.Join(list, ", ")
	}
	_, err := fmt.Fprintln(p.w, v)
	return err
}

func (p *printer) response(resp protocol.Response) error {
	if p.json {
		return p.emit(resp)
	}
	switch resp.Type {
	case protocol.RespOk:
		_, err := fmt.Fprintln(p.w, "ok")
		return err
	case protocol.RespPong:
		_, err := fmt.Fprintln(p.w, "pong")
		return err
	case protocol.RespDevices:
		return p.devices(resp.Devices)
	case protocol.RespStatus:
		return p.status(resp.Status)
	case protocol.RespConfigValues:
		return p.settings(resp.Config)
	case protocol.RespModelStatus:
		return p.modelStatus(resp.ModelStatus)
	case protocol.RespCudaStatus:
		return p.cudaStatus(resp.CudaStatus)
	case protocol.RespHistory:
		for _, r := range resp.History {
			p.result(r)
		}
		if len(resp.History) == 0 {
			fmt.Fprintln(p.w, "no transcriptions yet")
		}
		return nil
	default:
		return p.emit(resp)
	}
}

func (p *printer) devices(devices []protocol.AudioDevice) error {
	if len(devices) == 0 {
		_, err := fmt.Fprintln(p.w, "no devices found")
		return err
	}
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tNAME")
	for _, d := range devices {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", d.ID, d.SourceType, d.Name)
	}
	return tw.Flush()
}

func (p *printer) status(s *protocol.TranscribeStatus) error {
	if s == nil {
		return nil
	}
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "capturing:\t%t\n", s.Capturing)
	fmt.Fprintf(tw, "in speech:\t%t\n", s.InSpeech)
	fmt.Fprintf(tw, "mode:\t%s\n", s.TranscriptionMode)
	fmt.Fprintf(tw, "source1:\t%s\n", orDash(protocol.Deref(s.Source1ID)))
	fmt.Fprintf(tw, "source2:\t%s\n", orDash(protocol.Deref(s.Source2ID)))
	if s.SessionID != "" {
		fmt.Fprintf(tw, "session:\t%s\n", s.SessionID)
	}
	fmt.Fprintf(tw, "queue depth:\t%d\n", s.QueueDepth)
	if s.Error != nil {
		fmt.Fprintf(tw, "error:\t%s\n", *s.Error)
	}
	if s.LastResult != nil {
		fmt.Fprintf(tw, "last:\t%s\n", s.LastResult.Text)
	}
	return tw.Flush()
}

func (p *printer) settings(v *protocol.ConfigValues) error {
	if v == nil {
		return nil
	}
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "transcription_mode\t%s\n", v.TranscriptionMode)
	fmt.Fprintf(tw, "ptt_hotkeys\t%s\n", orDash(strings.Join(hotkeyList(v.PTTHotkeys), ", ")))
	fmt.Fprintf(tw, "auto_paste_enabled\t%t\n", v.AutoPasteEnabled)
	fmt.Fprintf(tw, "auto_paste_delay_ms\t%d\n", v.AutoPasteDelayMS)
	return tw.Flush()
}

func (p *printer) modelStatus(m *protocol.ModelStatus) error {
	if m == nil {
		return nil
	}
	state := "missing"
	if m.Available {
		state = "available"
	}
	_, err := fmt.Fprintf(p.w, "%s (%s)\n", state, m.Path)
	return err
}

func (p *printer) cudaStatus(c *protocol.CudaStatus) error {
	if c == nil {
		return nil
	}
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "build enabled:\t%t\n", c.BuildEnabled)
	fmt.Fprintf(tw, "runtime available:\t%t\n", c.RuntimeAvailable)
	fmt.Fprintf(tw, "system info:\t%s\n", orDash(c.SystemInfo))
	return tw.Flush()
}

func (p *printer) result(r protocol.TranscriptionResult) {
	if r.Error != "" {
		fmt.Fprintf(p.w, "#%d error: %s\n", r.Sequence, r.Error)
		return
	}
	fmt.Fprintf(p.w, "#%d [%.1fs] %s\n", r.Sequence, float64(r.AudioDurationMS)/1000, r.Text)
}

func (p *printer) event(evt protocol.Event) error {
	if p.json {
		return p.emit(evt)
	}
	switch evt.Type {
	case protocol.EventTranscriptionComplete:
		if evt.Result != nil {
			p.result(*evt.Result)
		}
	case protocol.EventCaptureStateChanged:
		if evt.Capturing != nil && *evt.Capturing {
			fmt.Fprintln(p.w, "listening...")
		} else if evt.Error != nil {
			fmt.Fprintf(p.w, "capture stopped: %s\n", *evt.Error)
		} else {
			fmt.Fprintln(p.w, "capture stopped")
		}
	case protocol.EventSegmentDropped:
		fmt.Fprintf(p.w, "segment #%d dropped (%s)\n", evt.Sequence, evt.Reason)
	case protocol.EventShutdown:
		fmt.Fprintln(p.w, "service shut down")
	}
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
