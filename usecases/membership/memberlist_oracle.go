package membership

import (
	"net"
	"sort"
	"strings"
	"sync"

	"github.com/hashicorp/memberlist"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Config mirrors the subset of weaviate's cluster.Config this
// ingestor's gossip layer needs: a bind identity and an optional seed
// to join an existing cluster.
type Config struct {
	Hostname       string
	GossipBindPort int
	Join           string
}

// MemberlistRoleOracle determines partition roles from a deterministic
// ordering over currently live gossip members: for partition p, the
// candidate at index p%len(candidates) in the sorted candidate list
// is leader, everyone else is follower. This is a default, testable
// stand-in for the real leader-election algorithm, which is out of
// scope here.
type MemberlistRoleOracle struct {
	log  *logrus.Entry
	list *memberlist.Memberlist

	mu            sync.RWMutex
	subscriptions map[int][]func(Role)
	lastRole      map[int]Role
}

// NewMemberlistRoleOracle joins (or starts) a gossip cluster and
// returns a ready-to-use RoleOracle.
func NewMemberlistRoleOracle(cfg Config, logger *logrus.Logger) (*MemberlistRoleOracle, error) {
	mcfg := memberlist.DefaultLANConfig()
	if cfg.Hostname != "" {
		mcfg.Name = cfg.Hostname
	}
	if cfg.GossipBindPort != 0 {
		mcfg.BindPort = cfg.GossipBindPort
	}

	o := &MemberlistRoleOracle{
		log:           logger.WithField("component", "membership_oracle"),
		subscriptions: make(map[int][]func(Role)),
		lastRole:      make(map[int]Role),
	}
	mcfg.Events = &memberEventDelegate{oracle: o}

	list, err := memberlist.Create(mcfg)
	if err != nil {
		return nil, errors.Wrap(err, "create memberlist")
	}
	o.list = list

	if cfg.Join != "" {
		joinAddrs := strings.Split(cfg.Join, ",")
		if _, err := net.LookupIP(strings.Split(joinAddrs[0], ":")[0]); err != nil {
			o.log.WithField("remote_hostname", joinAddrs[0]).WithError(err).
				Warn("seed hostname to join cluster cannot be resolved; proceeding as a fresh cluster")
		} else if _, err := list.Join(joinAddrs); err != nil {
			return nil, errors.Wrap(err, "join cluster")
		}
	}

	return o, nil
}

// Candidates returns live node names sorted lexically, so role
// assignment is identical on every node without a coordination round.
func (o *MemberlistRoleOracle) Candidates() []string {
	members := o.list.Members()
	names := make([]string, len(members))
	for i, m := range members {
		names[i] = m.Name
	}
	sort.Strings(names)
	return names
}

func (o *MemberlistRoleOracle) LocalName() string {
	return o.list.LocalNode().Name
}

func (o *MemberlistRoleOracle) RoleFor(partition int) Role {
	candidates := o.Candidates()
	if len(candidates) == 0 {
		return RoleFollower
	}
	leader := candidates[partition%len(candidates)]
	if leader == o.LocalName() {
		return RoleLeader
	}
	return RoleFollower
}

func (o *MemberlistRoleOracle) Subscribe(partition int, fn func(Role)) func() {
	o.mu.Lock()
	o.subscriptions[partition] = append(o.subscriptions[partition], fn)
	idx := len(o.subscriptions[partition]) - 1
	o.mu.Unlock()

	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		subs := o.subscriptions[partition]
		if idx < len(subs) {
			subs[idx] = nil
		}
	}
}

// notifyMembershipChanged re-evaluates every subscribed partition's
// role and fires callbacks for the ones that changed, called whenever
// memberlist reports a join/leave/update event.
func (o *MemberlistRoleOracle) notifyMembershipChanged() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for partition, subs := range o.subscriptions {
		role := o.RoleFor(partition)
		if prior, ok := o.lastRole[partition]; ok && prior == role {
			continue
		}
		o.lastRole[partition] = role
		for _, fn := range subs {
			if fn != nil {
				fn(role)
			}
		}
	}
}

func (o *MemberlistRoleOracle) Close() error {
	return o.list.Leave(0)
}

// memberEventDelegate forwards memberlist's join/leave/update events
// into the oracle's role re-evaluation.
type memberEventDelegate struct {
	oracle *MemberlistRoleOracle
}

func (d *memberEventDelegate) NotifyJoin(*memberlist.Node)   { d.oracle.notifyMembershipChanged() }
func (d *memberEventDelegate) NotifyLeave(*memberlist.Node)  { d.oracle.notifyMembershipChanged() }
func (d *memberEventDelegate) NotifyUpdate(*memberlist.Node) { d.oracle.notifyMembershipChanged() }
