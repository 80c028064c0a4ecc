package presence

// State is the coordinator's phase.
type State int

const (
	Idle State = iota
	Electing
	Leader
	Follower
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Electing:
		return "electing"
	case Leader:
		return "leader"
	case Follower:
		return "follower"
	default:
		return "unknown"
	}
}

type inputKind int

const (
	inStart inputKind = iota
	inStop
	inHello
	inAlive
	inElectionTimeout
	inDecayTimeout
	inHeartbeatTick
	inAliveTick
)

type input struct {
	kind inputKind
	from string // sender instance id, for messages
	gen  uint64 // timer generation, for timer inputs
}

type effectKind int

const (
	effPublishHello effectKind = iota
	effPublishAlive
	effArmElection
	effCancelElection
	effArmDecay
	effCancelDecay
	effStartLeader
	effStopLeader
	effWriteHeartbeat
)

type effect struct {
	kind effectKind
	gen  uint64
}

// machine is everything transition reads and writes. Each timer kind has a
// generation; arming or cancelling bumps it so a callback from an older
// timer no longer matches and is dropped.
type machine struct {
	state       State
	self        string
	electionGen uint64
	decayGen    uint64
	leaderGen   uint64
}

func (m *machine) armElection() effect {
	m.electionGen++
	return effect{kind: effArmElection, gen: m.electionGen}
}

func (m *machine) cancelElection() effect {
	m.electionGen++
	return effect{kind: effCancelElection}
}

func (m *machine) armDecay() effect {
	m.decayGen++
	return effect{kind: effArmDecay, gen: m.decayGen}
}

func (m *machine) cancelDecay() effect {
	m.decayGen++
	return effect{kind: effCancelDecay}
}

func (m *machine) startLeader() effect {
	m.leaderGen++
	return effect{kind: effStartLeader, gen: m.leaderGen}
}

func (m *machine) stopLeader() effect {
	m.leaderGen++
	return effect{kind: effStopLeader}
}

// transition is the whole protocol. It has no side effects: the caller
// applies the returned effects in order.
func transition(m machine, in input) (machine, []effect) {
	if in.from != "" && in.from == m.self {
		return m, nil
	}

	switch in.kind {
	case inStart:
		if m.state != Idle {
			return m, nil
		}
		m.state = Electing
		return m, []effect{{kind: effPublishHello}, m.armElection()}

	case inStop:
		if m.state == Idle {
			return m, nil
		}
		effs := []effect{m.cancelElection(), m.cancelDecay()}
		if m.state == Leader {
			effs = append(effs, m.stopLeader())
		}
		m.state = Idle
		return m, effs

	case inHello:
		if m.state == Leader {
			return m, []effect{{kind: effPublishAlive}}
		}
		return m, nil

	case inAlive:
		switch m.state {
		case Electing:
			m.state = Follower
			return m, []effect{m.cancelElection(), m.armDecay()}
		case Follower:
			return m, []effect{m.armDecay()}
		case Leader:
			if in.from != "" && in.from < m.self {
				m.state = Follower
				return m, []effect{m.stopLeader(), m.armDecay()}
			}
		}
		return m, nil

	case inElectionTimeout:
		if m.state != Electing || in.gen != m.electionGen {
			return m, nil
		}
		m.state = Leader
		return m, []effect{m.startLeader(), {kind: effWriteHeartbeat}, {kind: effPublishAlive}}

	case inDecayTimeout:
		if m.state != Follower || in.gen != m.decayGen {
			return m, nil
		}
		m.state = Electing
		return m, []effect{{kind: effPublishHello}, m.armElection()}

	case inHeartbeatTick:
		if m.state == Leader && in.gen == m.leaderGen {
			return m, []effect{{kind: effWriteHeartbeat}}
		}
		return m, nil

	case inAliveTick:
		if m.state == Leader && in.gen == m.leaderGen {
			return m, []effect{{kind: effPublishAlive}}
		}
		return m, nil
	}
	return m, nil
}
