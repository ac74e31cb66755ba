package cache

// Mutation names a committed write that can stale cached reads.
type Mutation string

const (
	MutationSendMessage        Mutation = "send_message"
	MutationEditMessage        Mutation = "edit_message"
	MutationDeleteMessage      Mutation = "delete_message"
	MutationReact              Mutation = "react"
	MutationUnreact            Mutation = "unreact"
	MutationMarkRead           Mutation = "mark_read"
	MutationCreateConversation Mutation = "create_conversation"
	MutationJoinConversation   Mutation = "join_conversation"
	MutationLeaveConversation  Mutation = "leave_conversation"
	MutationTyping             Mutation = "typing"
	MutationCrewRequest        Mutation = "crew_request"
	MutationCrewAccept         Mutation = "crew_accept"
	MutationCrewDecline        Mutation = "crew_decline"
	MutationCrewRemove         Mutation = "crew_remove"
	MutationJoinActivity       Mutation = "join_activity"
	MutationLeaveActivity      Mutation = "leave_activity"
	MutationMessageReceived    Mutation = "message_received"
)

// Scope carries the identifiers a mutation touched. Users lists everyone whose per-user reads
// may change; when it is empty the rules fall back to every owner.
type Scope struct {
	Actor          string
	Users          []string
	ConversationID string
	MessageID      string
	ActivityID     string
}

type rule func(Scope) []Predicate

var rules = map[Mutation]rule{
	MutationSendMessage: func(scope Scope) []Predicate {
		return append(perUser(scope, KindConversations, KindBadges),
			MatchSubject(KindMessages, scope.ConversationID))
	},
	MutationMessageReceived: func(scope Scope) []Predicate {
		return perUser(scope, KindConversations, KindBadges)
	},
	MutationEditMessage: func(scope Scope) []Predicate {
		return append(perUser(scope, KindConversations),
			MatchSubject(KindMessages, scope.ConversationID))
	},
	MutationDeleteMessage: func(scope Scope) []Predicate {
		return append(perUser(scope, KindConversations),
			MatchSubject(KindMessages, scope.ConversationID),
			MatchSubject(KindReactions, scope.MessageID))
	},
	MutationReact: func(scope Scope) []Predicate {
		return []Predicate{
			MatchSubject(KindReactions, scope.MessageID),
			MatchSubject(KindMessages, scope.ConversationID),
		}
	},
	MutationMarkRead: func(scope Scope) []Predicate {
		return perUser(scope, KindConversations, KindBadges)
	},
	MutationCreateConversation: func(scope Scope) []Predicate {
		predicates := perUser(scope, KindConversations)
		if scope.ActivityID != "" {
			predicates = append(predicates, MatchSubject(KindActivityConversation, scope.ActivityID))
		}
		return predicates
	},
	MutationJoinConversation: func(scope Scope) []Predicate {
		return append(perUser(scope, KindConversations, KindBadges),
			MatchSubject(KindParticipants, scope.ConversationID))
	},
	MutationTyping: func(scope Scope) []Predicate {
		return []Predicate{MatchSubject(KindTyping, scope.ConversationID)}
	},
	MutationCrewRequest: func(scope Scope) []Predicate {
		return perUser(scope, KindCrewRequests, KindCrewStatus, KindBadges)
	},
	MutationCrewAccept: func(scope Scope) []Predicate {
		return perUser(scope, KindCrew, KindCrewRequests, KindCrewStatus, KindBadges)
	},
	MutationJoinActivity: func(scope Scope) []Predicate {
		return append(perUser(scope, KindConversations),
			MatchSubject(KindActivityConversation, scope.ActivityID))
	},
}

func init() {
	rules[MutationUnreact] = rules[MutationReact]
	rules[MutationLeaveConversation] = rules[MutationJoinConversation]
	rules[MutationCrewDecline] = rules[MutationCrewAccept]
	rules[MutationCrewRemove] = rules[MutationCrewAccept]
	rules[MutationLeaveActivity] = rules[MutationJoinActivity]
}

// Apply evaluates the rule for the mutation and drops every matching entry. A mutation with no
// declared rule clears the whole cache.
func (s *Store) Apply(mutation Mutation, scope Scope) int {
	if s == nil {
		return 0
	}
	var removed int
	if declared, ok := rules[mutation]; ok {
		removed = s.Invalidate(declared(scope)...)
	} else {
		removed = s.Invalidate(func(Key) bool { return true })
	}
	s.metrics.CacheInvalidated(string(mutation), removed)
	return removed
}

func perUser(scope Scope, kinds ...Kind) []Predicate {
	predicates := make([]Predicate, 0, len(kinds))
	for _, kind := range kinds {
		if len(scope.Users) == 0 {
			predicates = append(predicates, MatchKind(kind))
			continue
		}
		predicates = append(predicates, MatchOwner(kind, scope.Users...))
	}
	return predicates
}
