package signature

import (
	"regexp"

	log "github.com/sirupsen/logrus"
)

// Rx matches a string against a list of regular expressions anchored at the
// start of the string
type Rx struct {
	Regexps []*regexp.Regexp
}

func (r *Rx) Match(s string) bool {
	for _, rx := range r.Regexps {
		if rx.MatchString(s) {
			return true
		}
	}
	return false
}

func NewRx(regs []string) *Rx {
	var rxSlice []*regexp.Regexp
	for _, reg := range regs {
		rx, err := regexp.Compile("^(?:" + reg + ")")
		if err == nil {
			rxSlice = append(rxSlice, rx)
		} else {
			log.WithFields(log.Fields{
				"regexp": reg,
				"error":  err,
			}).Error("Can't compile regular expression")
		}
	}

	return &Rx{
		Regexps: rxSlice,
	}
}
