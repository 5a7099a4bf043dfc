package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/uhyunpark/custodex/pkg/engine"
)

const DefaultGossipTopic = "custodex/events/1"

type GossipConfig struct {
	ListenAddr string
	Bootstrap  []string
	Topic      string
}

// GossipSink publishes events to a GossipSub topic so read replicas and
// market-data relays can follow the exchange without polling it.
type GossipSink struct {
	h     host.Host
	ps    *pubsub.PubSub
	topic *pubsub.Topic
	log   *zap.SugaredLogger
}

func NewGossipSink(ctx context.Context, cfg GossipConfig, log *zap.SugaredLogger) (*GossipSink, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultGossipTopic
	}

	var opts []libp2p.Option
	if cfg.ListenAddr != "" {
		maddr, err := ma.NewMultiaddr(cfg.ListenAddr)
		if err != nil {
			return nil, fmt.Errorf("listen addr: %w", err)
		}
		opts = append(opts, libp2p.ListenAddrs(maddr))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, err
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		return nil, err
	}
	topic, err := ps.Join(cfg.Topic)
	if err != nil {
		h.Close()
		return nil, err
	}

	for _, bs := range cfg.Bootstrap {
		if err := connectMultiaddr(ctx, h, bs); err != nil {
			log.Warnw("bootstrap_connect_failed", "addr", bs, "err", err)
		}
	}

	log.Infow("libp2p_ready", "peer", h.ID().String(), "listen", cfg.ListenAddr, "topic", cfg.Topic)
	return &GossipSink{h: h, ps: ps, topic: topic, log: log}, nil
}

func connectMultiaddr(ctx context.Context, h host.Host, addr string) error {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return err
	}
	return h.Connect(ctx, *info)
}

func (g *GossipSink) Host() host.Host { return g.h }

func (g *GossipSink) OnEvents(ctx context.Context, market string, events []engine.Event) error {
	for _, ev := range events {
		data, err := json.Marshal(wrap(ev))
		if err != nil {
			return fmt.Errorf("encode %s event %d: %w", market, ev.Seq, err)
		}
		if err := g.topic.Publish(ctx, data); err != nil {
			return fmt.Errorf("gossip publish %s: %w", market, err)
		}
	}
	return nil
}

// Listen subscribes to the topic and calls fn for every decoded message
// until ctx is cancelled. Messages from this host are included.
func (g *GossipSink) Listen(ctx context.Context, fn func(Message)) error {
	sub, err := g.topic.Subscribe()
	if err != nil {
		return err
	}
	go func() {
		defer sub.Cancel()
		for {
			raw, err := sub.Next(ctx)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					g.log.Warnw("gossip_next_failed", "err", err)
				}
				return
			}
			var msg Message
			if err := json.Unmarshal(raw.Data, &msg); err != nil {
				g.log.Debugw("gossip_bad_message", "from", raw.GetFrom().String(), "err", err)
				continue
			}
			fn(msg)
		}
	}()
	return nil
}

func (g *GossipSink) Close() error {
	return errors.Join(g.topic.Close(), g.h.Close())
}
