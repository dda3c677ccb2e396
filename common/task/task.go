package task

import (
	"encoding/json"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	PROCESS_CRASH = 1 << iota
	REPROCESS_CRASH
)

// Process asks the processor to run a ruleset over a freshly collected crash.
// RawCrash and Dumps are paths on the shared crash storage.
type Process struct {
	Type     uint              `json:"type"`
	CrashId  string            `json:"crash_id"`
	Ruleset  string            `json:"ruleset,omitempty"`
	RawCrash string            `json:"raw_crash"`
	Dumps    map[string]string `json:"dumps"`
	Time     string            `json:"time,omitempty"`
}

// Reprocess runs a ruleset over a crash that was processed before. The raw
// crash and the previous processed crash are loaded from the repository.
type Reprocess struct {
	Type    uint   `json:"type"`
	CrashId string `json:"crash_id"`
	Ruleset string `json:"ruleset,omitempty"`
	Time    string `json:"time,omitempty"`
}

func FromJson(data []byte) interface{} {
	type Test struct {
		Type uint `json:"type"`
	}

	var t Test
	if err := json.Unmarshal(data, &t); err != nil {
		log.WithError(err).Error("Can't parse task type")
		return nil
	}
	switch t.Type {
	case PROCESS_CRASH:
		var p Process
		err := json.Unmarshal(data, &p)
		if err != nil {
			log.WithError(err).Error("Can't parse process task")
			return nil
		}

		if len(p.Time) == 0 {
			p.Time = getTimeStamp()
		}

		return &p
	case REPROCESS_CRASH:
		var r Reprocess
		err := json.Unmarshal(data, &r)
		if err != nil {
			log.WithError(err).Error("Can't parse reprocess task")
			return nil
		}

		if len(r.Time) == 0 {
			r.Time = getTimeStamp()
		}

		return &r
	default:
		return nil
	}
}

func CreateProcessTask(crashId, rawCrash string, dumps map[string]string) *Process {
	return &Process{Type: PROCESS_CRASH,
		CrashId:  crashId,
		RawCrash: rawCrash,
		Dumps:    dumps,
		Time:     getTimeStamp()}
}

func CreateReprocessTask(crashId, ruleset string) *Reprocess {
	return &Reprocess{Type: REPROCESS_CRASH,
		CrashId: crashId,
		Ruleset: ruleset,
		Time:    getTimeStamp()}
}

func getTimeStamp() string {
	t := time.Now()
	return t.Format(time.RFC3339)
}
