package sender

import (
	"chouette-agent/internal/model"
	"chouette-agent/internal/storage"
	"chouette-agent/internal/stream"
)

// Format turns one peeked batch into a backend payload. Records it cannot
// decode are returned as garbage and never retried.
type Format interface {
	Build(records []storage.Record) (payload stream.Payload, ids, garbage []string, err error)
}

// SeriesFormat renders dispatch-ready points as a series frame, merging the
// global tags and filling in the host where the point has none.
type SeriesFormat struct {
	GlobalTags []string
	Host       string
}

func (f SeriesFormat) Build(records []storage.Record) (stream.Payload, []string, []string, error) {
	var (
		frame   = model.SeriesFrame{Series: make([]model.DispatchPoint, 0, len(records))}
		ids     = make([]string, 0, len(records))
		garbage []string
	)
	for _, rec := range records {
		p, err := model.DecodeDispatch(rec.Payload)
		if err != nil {
			garbage = append(garbage, rec.ID)
			continue
		}
		if len(f.GlobalTags) > 0 {
			p.Tags = model.NormalizeTags(append(append([]string(nil), p.Tags...), f.GlobalTags...))
		}
		if p.Host == "" {
			p.Host = f.Host
		}
		if p.Tags == nil {
			p.Tags = []string{}
		}
		frame.Series = append(frame.Series, p)
		ids = append(ids, rec.ID)
	}
	if len(ids) == 0 {
		return stream.Payload{}, nil, garbage, nil
	}
	payload, err := stream.Encode(frame)
	return payload, ids, garbage, err
}

// LogsFormat renders queued log records as a JSON array for the logs
// intake. The host, when set, overrides whatever the client sent.
type LogsFormat struct {
	GlobalTags []string
	Host       string
}

func (f LogsFormat) Build(records []storage.Record) (stream.Payload, []string, []string, error) {
	var (
		entries = make([]model.LogEntry, 0, len(records))
		ids     = make([]string, 0, len(records))
		garbage []string
	)
	for _, rec := range records {
		entry, err := model.DecodeLog(rec.Payload)
		if err != nil {
			garbage = append(garbage, rec.ID)
			continue
		}
		entry.Enrich(f.GlobalTags, f.Host)
		entries = append(entries, entry)
		ids = append(ids, rec.ID)
	}
	if len(ids) == 0 {
		return stream.Payload{}, nil, garbage, nil
	}
	payload, err := stream.EncodeLogs(entries)
	return payload, ids, garbage, err
}
