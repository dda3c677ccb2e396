package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"crashmill/common/data/base"
	"crashmill/common/format/crash"
	"crashmill/common/task"
	"crashmill/common/utils"
	"crashmill/processor/cfg"
	"crashmill/processor/metrics"
	"crashmill/processor/pipeline"
	"crashmill/processor/rules"
	"crashmill/processor/schema"

	"github.com/streadway/amqp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	SIGHUP  = syscall.SIGHUP
	SIGTERM = syscall.SIGTERM
	SIGINT  = syscall.SIGINT

	memoryCacheSize = 5000
)

var errInvalidTask = errors.New("Invalid task")

type RabbitClient struct {
	connection   *amqp.Connection
	taskChannel  *amqp.Channel
	taskQueue    amqp.Queue
	messages     <-chan amqp.Delivery
	postChannel  *amqp.Channel
	postExchange string
	postMu       sync.Mutex
}

type ProcessorService struct {
	CrashProcessor
	config  cfg.Config
	rabbit  *RabbitClient
	sig     <-chan os.Signal
	sink    metrics.Sink
	metrics *metrics.Prometheus
	enqueue func(msg []byte) error
	reload  chan struct{}
}

func newRabbitClient(conf cfg.Config) *RabbitClient {
	conn, err := amqp.Dial(conf.RabbitServer())
	failOnError(err, "Failed to connect to RabbitMQ")

	ch, err := conn.Channel()
	failOnError(err, "Failed to open a taskChannel")

	q, err := ch.QueueDeclare(
		conf.RabbitQueue(),
		true,
		false,
		false,
		false,
		nil,
	)
	failOnError(err, "Failed to declare a taskQueue")

	err = ch.Qos(
		conf.Workers(),
		0,
		false,
	)
	failOnError(err, "Failed to set QoS")

	msgs, err := ch.Consume(
		q.Name, // taskQueue
		"",     // consumer
		false,  // auto-ack
		false,  // exclusive
		false,  // no-local
		false,  // no-wait
		nil,    // args
	)
	failOnError(err, "Failed to register a consumer")

	return &RabbitClient{connection: conn,
		taskChannel: ch,
		taskQueue:   q,
		messages:    msgs,
	}
}

func newCache(conf cfg.Config) base.Cache {
	if len(conf.Memcache()) > 0 {
		cache, err := base.NewMemcache(conf.Memcache())
		if err == nil {
			return cache
		}
		log.WithError(err).Warning("Can't create memcache client")
	}
	if len(conf.RedisAddres()) > 0 {
		cache, err := base.NewRedis(conf.RedisAddres(), conf.RedisPassword())
		if err == nil {
			return cache
		}
		log.WithError(err).Warning("Can't create redis client")
	}
	return base.NewMemoryCache(memoryCacheSize)
}

func newSchema(conf cfg.Config) (schema.Schema, error) {
	registry := schema.Default()
	if len(conf.SchemaDir()) > 0 {
		registry = schema.Dir(conf.SchemaDir())
	}
	return registry.LoadResolved(schema.ProcessedCrash)
}

func (p *ProcessorService) Init(config cfg.Config) error {
	p.config = config
	p.metrics = metrics.NewPrometheus()
	p.sink = p.metrics

	os.MkdirAll(p.config.TmpPath(), 0777)

	processed, err := newSchema(p.config)
	if err != nil {
		log.WithError(err).Error("Can't load processed crash schema")
		return err
	}

	rulesets, err := rules.NewRulesets(rules.Config{
		Schema: processed,
		Stackwalk: rules.StackwalkConfig{
			DumpField:       p.config.DumpField(),
			CommandPath:     p.config.StackwalkerCommandPath(),
			CommandLine:     p.config.StackwalkerCommandLine(),
			KillTimeout:     p.config.StackwalkerKillTimeout(),
			SymbolsUrls:     p.config.SymbolsUrls(),
			SymbolCachePath: p.config.SymbolCachePath(),
			SymbolTmpPath:   p.config.SymbolTmpPath(),
		},
		Jit: rules.JitConfig{
			CommandPath: p.config.JitCommandPath(),
			CommandLine: p.config.JitCommandLine(),
			KillTimeout: p.config.JitKillTimeout(),
		},
		Commander:        rules.ExecCommander{},
		VersionStringApi: p.config.VersionStringApi(),
		Cache:            newCache(p.config),
		Sink:             p.sink,
	})
	if err != nil {
		log.WithError(err).Error("Can't create rulesets")
		return err
	}

	rep, err := base.NewRepository(p.config.ElasticUrl(), p.config.ElasticIndex())
	if err != nil {
		log.WithError(err).Error("Can't create repository")
		return err
	}

	pline := pipeline.New(rulesets,
		pipeline.WithHostId(p.config.HostId()),
		pipeline.WithTmpPath(p.config.TmpPath()),
		pipeline.WithSink(p.sink))
	p.initCrashProcessor(p.config.DefaultRuleset(), rep, pline)

	rabbit := newRabbitClient(p.config)
	if rabbit == nil {
		return errors.New("Can't connect to rabbit")
	}
	p.rabbit = rabbit
	p.enqueue = p.publishTask
	p.createPostProcessingExchange()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, SIGHUP, SIGTERM, SIGINT)
	p.sig = sig

	p.reload = make(chan struct{}, 1)
	if len(cfg.GlobalConfigPath) != 0 {
		err := utils.WatchFile(context.Background(), cfg.GlobalConfigPath, func() {
			select {
			case p.reload <- struct{}{}:
			default:
			}
		})
		if err != nil {
			log.WithError(err).Warning("Can't watch configuration file")
		}
	}

	if len(p.config.MetricsListen()) != 0 {
		go p.serve(p.config.MetricsListen())
	}

	return nil
}

// Loop consumes tasks with the configured number of workers until a
// termination signal arrives.
func (p *ProcessorService) Loop() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.config.Workers(); i++ {
		g.Go(func() error {
			return p.work(gctx)
		})
	}

	log.WithField("workers", p.config.Workers()).Info("Processor started")

loop:
	for {
		select {
		case sig := <-p.sig:
			if !p.handleSignal(sig) {
				break loop
			}
		case <-p.reload:
			p.reloadConfiguration()
		case <-gctx.Done():
			break loop
		}
	}

	cancel()
	err := g.Wait()
	if cerr := p.pline.Close(); cerr != nil {
		log.WithError(cerr).Warning("Can't close rules")
	}
	if p.rabbit != nil {
		p.rabbit.connection.Close()
	}
	return err
}

func (p *ProcessorService) work(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-p.rabbit.messages:
			if !ok {
				return errors.New("Task channel closed")
			}
			p.deliver(ctx, msg)
		}
	}
}

func (p *ProcessorService) deliver(ctx context.Context, msg amqp.Delivery) {
	err := p.handleTask(ctx, msg.Body)
	switch {
	case err == nil:
		msg.Ack(false)
	case errors.Is(err, errInvalidTask):
		log.WithField("body", string(msg.Body)).Warning("Drop invalid task")
		msg.Nack(false, false)
	default:
		log.WithError(err).Warning("Can't handle task, requeue")
		msg.Nack(false, true)
	}
}

func (p *ProcessorService) handleTask(ctx context.Context, message []byte) error {
	t := task.FromJson(message)
	if t == nil {
		return errInvalidTask
	}

	var (
		processed crash.Document
		err       error
	)
	switch t := t.(type) {
	case *task.Process:
		if len(t.CrashId) == 0 || len(t.RawCrash) == 0 {
			return errInvalidTask
		}
		processed, err = p.handleProcess(ctx, t)
	case *task.Reprocess:
		if len(t.CrashId) == 0 {
			return errInvalidTask
		}
		processed, err = p.handleReprocess(ctx, t)
	default:
		return errInvalidTask
	}

	if err != nil {
		return err
	}
	if processed != nil {
		p.sendNext(processed)
	}
	return nil
}

// handleSignal returns false when the processor has to stop.
func (p *ProcessorService) handleSignal(sig os.Signal) bool {
	log.WithField("signal", sig.String()).
		Info("Catch")

	if sig == SIGHUP {
		p.reloadConfiguration()
		return true
	}
	return false
}

func (p *ProcessorService) createPostProcessingExchange() {
	if len(p.config.RabbitPostExchange()) == 0 {
		p.rabbit.postChannel = nil
		return
	}

	ch, err := p.rabbit.connection.Channel()
	failOnError(err, "Failed to open a postChannel")
	err = ch.ExchangeDeclare(
		p.config.RabbitPostExchange(),
		p.config.RabbitPostType(),
		true,
		false,
		false,
		false,
		nil,
	)
	failOnError(err, "Failed to declare an exchange")
	p.rabbit.postChannel = ch
	p.rabbit.postExchange = p.config.RabbitPostExchange()
}

func (p *ProcessorService) sendNext(processed crash.Document) {
	if p.rabbit == nil || p.rabbit.postChannel == nil {
		return
	}

	data, err := processed.Json()
	if err != nil {
		log.WithError(err).
			Error("Can't serialize processed crash")
		return
	}

	p.rabbit.postMu.Lock()
	defer p.rabbit.postMu.Unlock()
	err = p.rabbit.postChannel.Publish(
		p.rabbit.postExchange,
		"",
		false,
		false,
		amqp.Publishing{
			ContentType: "text/json",
			Body:        data,
		})
	if err != nil {
		log.WithError(err).
			Error("Can't send crash to next stage")
	}
}

func (p *ProcessorService) publishTask(msg []byte) error {
	p.rabbit.postMu.Lock()
	defer p.rabbit.postMu.Unlock()
	return p.rabbit.taskChannel.Publish("",
		p.rabbit.taskQueue.Name,
		false,
		false,
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "text/plain",
			Body:         msg,
		})
}

func (p *ProcessorService) addReprocess(crashId, ruleset string) error {
	msg, err := json.Marshal(task.CreateReprocessTask(crashId, ruleset))
	if err != nil {
		log.WithError(err).Error("Can't serialize message")
		return err
	}
	return p.enqueue(msg)
}

func (p *ProcessorService) serve(address string) {
	log.WithField("address", address).Info("Run on")
	err := http.ListenAndServe(address, p.router())
	if err != nil {
		log.WithError(err).Error("Metrics server stopped")
	}
}

func (p *ProcessorService) reloadConfiguration() {
	log.Info("Try to reload configuration")
	if len(cfg.GlobalConfigPath) == 0 {
		return
	}

	conf, err := cfg.FromJson(cfg.GlobalConfigPath)
	if err != nil {
		log.WithError(err).
			Error("Error reading configuration file")
		return
	}
	noErrors := true

	if conf.LogLevel() != p.config.LogLevel() {
		err := p.changeLevel(conf.LogLevel())
		if err != nil {
			noErrors = false
		}
	}

	if conf.Workers() != p.config.Workers() ||
		conf.RabbitServer() != p.config.RabbitServer() ||
		conf.StackwalkerCommandPath() != p.config.StackwalkerCommandPath() ||
		conf.JitCommandPath() != p.config.JitCommandPath() {
		log.Warning("Restart is needed to apply connection and worker changes")
	}

	if noErrors {
		cfg.GlobalConfig = conf
		p.config = conf
		log.Info("Reloaded configuration")
	}
}

func (p *ProcessorService) changeLevel(l string) error {
	level, err := log.ParseLevel(l)
	if err != nil {
		log.WithError(err).
			Warn("Can't parse level")
		return err
	}

	log.WithFields(log.Fields{
		"old level": p.config.LogLevel(),
		"new level": l,
	}).
		Info("Change log level")
	log.SetLevel(level)
	return nil
}

func failOnError(err error, msg string) {
	if err != nil {
		log.Fatalf("%s: %s", msg, err)
		panic(fmt.Sprintf("%s: %s", msg, err))
	}
}
