package chat

import (
	"encoding/json"
	"fmt"

	"github.com/johnwfy/flamingo/internal/store"
)

// buildFriendListView assembles the team-grouped friend list for this
// session's user. The client owns the team layout (stored as raw JSON);
// the server enriches each member stub with the current profile and
// live presence. A user with no stored layout gets a single default
// team holding all friends.
func (s *Session) buildFriendListView() ([]teamView, error) {
	uid := s.UserID()

	raw, err := s.srv.users.TeamInfoOf(uid)
	if err != nil {
		return nil, fmt.Errorf("team info of %d: %w", uid, err)
	}

	if raw == "" {
		friends, err := s.srv.users.FriendsOf(uid)
		if err != nil {
			return nil, fmt.Errorf("friends of %d: %w", uid, err)
		}
		members := make([]memberView, 0, len(friends))
		for _, f := range friends {
			members = append(members, s.memberViewOf(f))
		}
		return []teamView{{TeamIndex: 0, TeamName: store.DefaultTeamName, Members: members}}, nil
	}

	var teams []teamView
	if err := json.Unmarshal([]byte(raw), &teams); err != nil {
		return nil, fmt.Errorf("parse teaminfo of %d: %w", uid, err)
	}
	for i := range teams {
		kept := teams[i].Members[:0]
		for _, m := range teams[i].Members {
			u, ok, err := s.srv.users.GetUserByID(m.UserID)
			if err != nil {
				return nil, fmt.Errorf("get user %d: %w", m.UserID, err)
			}
			if !ok {
				// Stale layout entry; drop it from the view.
				continue
			}
			v := s.memberViewOf(u)
			v.MarkName = m.MarkName
			kept = append(kept, v)
		}
		teams[i].Members = kept
	}
	return teams, nil
}

// memberViewOf merges a stored profile with live presence from the
// registry.
func (s *Session) memberViewOf(u store.User) memberView {
	return memberView{
		UserID:      u.UserID,
		Username:    u.Username,
		Nickname:    u.Nickname,
		FaceType:    u.FaceType,
		CustomFace:  u.CustomFace,
		Gender:      u.Gender,
		Birthday:    u.Birthday,
		Signature:   u.Signature,
		Address:     u.Address,
		PhoneNumber: u.PhoneNumber,
		Mail:        u.Mail,
		ClientType:  s.srv.registry.ClientTypeOf(u.UserID),
		Status:      s.srv.registry.StatusOf(u.UserID),
	}
}
