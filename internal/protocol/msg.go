// Package protocol implements the wire format spoken by IM clients: a
// length-prefixed, optionally zlib-compressed frame envelope, and the
// tagged binary stream carried inside it (int32 / int64 /
// length-prefixed bytes).
package protocol

// Command codes. The values are fixed by the deployed client fleet and
// must never be renumbered.
const (
	CmdHeartbeat        int32 = 1000
	CmdRegister         int32 = 1001
	CmdLogin            int32 = 1002
	CmdGetFriendList    int32 = 1003
	CmdFindUser         int32 = 1004
	CmdOperateFriend    int32 = 1005
	CmdUserStatusChange int32 = 1006
	CmdUpdateUserInfo   int32 = 1007
	CmdModifyPassword   int32 = 1008
	CmdCreateGroup      int32 = 1009
	CmdGetGroupMembers  int32 = 1010
	CmdChat             int32 = 1100
	CmdMultiChat        int32 = 1101
	CmdKickUser         int32 = 1102
	CmdRemoteDesktop    int32 = 1103
	CmdUpdateTeamInfo   int32 = 1104
	CmdUploadDeviceInfo int32 = 1105
)

// Response codes carried in JSON reply bodies.
const (
	CodeOK                int = 0
	CodeNotLoggedIn       int = 2
	CodeAlreadyRegistered int = 101
	CodeNotRegistered     int = 102
	CodeIncorrectPassword int = 103
	CodeUpdateUserFailed  int = 104
	CodeModifyPassFailed  int = 105
	CodeCreateGroupFailed int = 106
)

// GroupIDBoundary splits the shared identifier namespace: ids below it
// are users, ids at or above it are groups.
const GroupIDBoundary int32 = 0x0FFFFFFF

// Friend-operation discriminators carried in the "type" field of
// operateFriend bodies.
const (
	FriendOpRequest  int32 = 1 // A asks to add B
	FriendOpIncoming int32 = 2 // pushed to B: A wants to add you
	FriendOpAnswer   int32 = 3 // B answers A's request (accept 0/1)
	FriendOpDelete   int32 = 4 // delete friend / leave group
	FriendOpDeleted  int32 = 5 // pushed notification: you were deleted
)

// Presence-change discriminators carried in userStatusChange bodies.
const (
	StatusOnline      int32 = 1
	StatusOffline     int32 = 2
	StatusInfoChanged int32 = 3
)
