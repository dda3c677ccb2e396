package rules

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"crashmill/common/data/base"
	"crashmill/processor/metrics"
	"crashmill/processor/pipeline"

	log "github.com/sirupsen/logrus"
)

const (
	BetaCacheMaxSize = 5000
	// unanswered lookups may get an answer later
	BetaShortTTL = 30 * time.Minute
	BetaLongTTL  = 24 * time.Hour
)

// lower case product name to the name the version string api knows
var betaProducts = map[string]string{
	"firefox":     "Firefox",
	"thunderbird": "Thunderbird",
}

// BetaVersionRule fixes the version of beta and aurora crashes, which
// clients report without the beta number, using the version string api.
type BetaVersionRule struct {
	api    string
	cache  base.Cache
	client *http.Client
	sink   metrics.Sink
}

// NewBetaVersionRule uses an in-memory cache when cache is nil.
func NewBetaVersionRule(api string, cache base.Cache, client *http.Client, sink metrics.Sink) *BetaVersionRule {
	if cache == nil {
		cache = base.NewMemoryCache(BetaCacheMaxSize)
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if sink == nil {
		sink = metrics.Nop{}
	}
	return &BetaVersionRule{api: api, cache: cache, client: client, sink: sink}
}

func (*BetaVersionRule) Name() string { return "BetaVersionRule" }

func (*BetaVersionRule) Predicate(c *pipeline.Crash) bool {
	product := strings.ToLower(c.Processed.StringOr("product", ""))
	channel := strings.ToLower(c.Processed.StringOr("release_channel", ""))
	return isBetaProduct(product) && (channel == "beta" || channel == "aurora")
}

func isBetaProduct(product string) bool {
	_, ok := betaProducts[product]
	return ok
}

func (r *BetaVersionRule) Action(c *pipeline.Crash) error {
	product := strings.ToLower(strings.TrimSpace(c.Processed.StringOr("product", "")))
	buildId := strings.TrimSpace(c.Processed.StringOr("build", ""))
	channel := strings.TrimSpace(c.Processed.StringOr("release_channel", ""))

	if product != "" && buildId != "" && channel != "" && isBetaProduct(product) {
		version, err := r.realVersion(product, channel, buildId)
		if err != nil {
			return err
		}
		if version != "" {
			c.Processed["version"] = version
			return nil
		}
		log.WithFields(log.Fields{
			"crash_id": c.Processed.StringOr("uuid", ""),
			"product":  product,
			"channel":  channel,
			"build_id": buildId,
		}).Info("Beta version lookup failed")
	}

	c.Processed["version"] = c.Processed.StringOr("version", "") + "b0"
	c.Status.Add(fmt.Sprintf(`release channel is %s but no version data was found - added "b0" suffix to version number`, channel))
	return nil
}

type versionHits struct {
	Hits []struct {
		VersionString string `json:"version_string"`
	} `json:"hits"`
}

// realVersion returns "" when the api has no answer.
func (r *BetaVersionRule) realVersion(product, channel, buildId string) (string, error) {
	if product == "firefox" && channel == "aurora" && buildId > "20170601" {
		product = "DevEdition"
	} else if name, ok := betaProducts[product]; ok {
		product = name
	}

	key := product + ":" + channel + ":" + buildId
	if version, err := r.cache.Get(key); err == nil {
		r.sink.Increment("processor.betaversionrule.cache", "result:hit")
		return version, nil
	}
	r.sink.Increment("processor.betaversionrule.cache", "result:miss")

	query := url.Values{}
	query.Set("product", product)
	query.Set("channel", channel)
	query.Set("build_id", buildId)
	resp, err := r.client.Get(r.api + "?" + query.Encode())
	if err != nil {
		return "", fmt.Errorf("Can't look up beta version: %s", err.Error())
	}
	defer resp.Body.Close()

	var hits versionHits
	if resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(&hits); err != nil {
			return "", fmt.Errorf("Bad version string api response: %s", err.Error())
		}
	}

	if len(hits.Hits) == 0 || hits.Hits[0].VersionString == "" {
		r.sink.Increment("processor.betaversionrule.lookup", "result:fail")
		r.setCache(key, "", BetaShortTTL)
		return "", nil
	}

	version := hits.Hits[0].VersionString
	r.sink.Increment("processor.betaversionrule.lookup", "result:success")
	r.setCache(key, version, BetaLongTTL)
	return version, nil
}

func (r *BetaVersionRule) setCache(key, value string, ttl time.Duration) {
	if err := r.cache.Set(key, value, ttl); err != nil {
		log.WithFields(log.Fields{
			"key":   key,
			"error": err,
		}).Warning("Can't cache beta version")
	}
}

func (r *BetaVersionRule) Close() error {
	r.client.CloseIdleConnections()
	return nil
}
