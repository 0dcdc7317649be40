package quic

import (
	"net"
	"testing"
	"time"
)

func TestNewPathDefaults(t *testing.T) {
	cid, _ := GenerateConnectionID(8)
	p, err := NewPath(cid, MTU, 3*time.Second)
	if err != nil {
		t.Fatalf("NewPath: %v", err)
	}
	if !p.LocalCnxID.Equal(cid) {
		t.Errorf("LocalCnxID = %x, want %x", p.LocalCnxID, cid)
	}
	if p.SendMTU != MTU {
		t.Errorf("SendMTU = %d, want %d", p.SendMTU, MTU)
	}
	if p.Activated() {
		t.Error("a freshly constructed path should not be activated")
	}
	if p.Published() {
		t.Error("a freshly constructed path should not be published")
	}
	var zero [ResetSecretSize]byte
	if p.ResetSecret == zero {
		t.Error("NewPath should mint a non-zero random reset secret")
	}
}

func TestDeriveResetSecretDeterministic(t *testing.T) {
	key := []byte("a per-endpoint static key, 32 bytes long!!")
	cid, _ := GenerateConnectionID(8)

	a := DeriveResetSecret(key, cid)
	b := DeriveResetSecret(key, cid)
	if a != b {
		t.Error("DeriveResetSecret should be a pure function of (key, cid)")
	}

	otherCID, _ := GenerateConnectionID(8)
	c := DeriveResetSecret(key, otherCID)
	if a == c {
		t.Error("different local CIDs should derive different reset secrets")
	}

	otherKey := []byte("a different per-endpoint static key, 32B")
	d := DeriveResetSecret(otherKey, cid)
	if a == d {
		t.Error("different static keys should derive different reset secrets")
	}
}

func TestRequireNewChallengeAndVerify(t *testing.T) {
	cid, _ := GenerateConnectionID(8)
	p, err := NewPath(cid, MTU, 3*time.Second)
	if err != nil {
		t.Fatalf("NewPath: %v", err)
	}

	now := time.Unix(1700000000, 0)
	if err := p.RequireNewChallenge(now); err != nil {
		t.Fatalf("RequireNewChallenge: %v", err)
	}
	if !p.ChallengeRequired {
		t.Error("ChallengeRequired should be set after RequireNewChallenge")
	}
	if p.ChallengeVerified {
		t.Error("ChallengeVerified should start false")
	}

	if p.VerifyChallenge([8]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}) {
		t.Error("VerifyChallenge should fail for a value that was never issued")
	}

	if !p.VerifyChallenge(p.Challenge[0]) {
		t.Error("VerifyChallenge should succeed for an issued challenge value")
	}
	if !p.ChallengeVerified {
		t.Error("ChallengeVerified should be true after a matching VerifyChallenge")
	}
	if p.ChallengeRequired {
		t.Error("ChallengeRequired should clear once verified")
	}
}

func TestFindPathRejectsEmptyDCIDWhenCIDsInUse(t *testing.T) {
	cid, _ := GenerateConnectionID(8)
	p, _ := NewPath(cid, MTU, 3*time.Second)
	paths := []*Path{p}

	result := FindPath(paths, false, ConnectionID{}, nil, nil, 0, time.Now(), false, nil)
	if result.Err != ErrCnxIDCheck {
		t.Errorf("FindPath() error = %v, want ErrCnxIDCheck for an empty DCID", result.Err)
	}
}

func TestFindPathMatchesByDCID(t *testing.T) {
	cid, _ := GenerateConnectionID(8)
	p, _ := NewPath(cid, MTU, 3*time.Second)
	paths := []*Path{p}

	peer := &net.UDPAddr{IP: net.ParseIP("192.0.2.1"), Port: 1234}
	local := &net.UDPAddr{IP: net.ParseIP("192.0.2.2"), Port: 4433}

	result := FindPath(paths, false, cid, peer, local, 1, time.Now(), false, nil)
	if result.Err != nil {
		t.Fatalf("FindPath() error = %v", result.Err)
	}
	if result.Path != p {
		t.Error("FindPath() should return the path matching the DCID")
	}
	if !p.Activated() {
		t.Error("a path should be marked activated on its first matching arrival")
	}
}

func TestFindPathZeroLengthCIDsMatchesByAddress(t *testing.T) {
	p, _ := NewPath(nil, MTU, 3*time.Second)
	peer := &net.UDPAddr{IP: net.ParseIP("192.0.2.1"), Port: 1234}
	local := &net.UDPAddr{IP: net.ParseIP("192.0.2.2"), Port: 4433}
	p.PeerAddr = peer
	p.LocalAddr = local
	paths := []*Path{p}

	result := FindPath(paths, true, ConnectionID{}, peer, local, 1, time.Now(), false, nil)
	if result.Err != nil {
		t.Fatalf("FindPath() error = %v", result.Err)
	}
	if result.Path != p {
		t.Error("FindPath() should match by address when zeroLengthCIDs is set")
	}
}

func TestFindPathArmsProbingPathFromStash(t *testing.T) {
	peerA := &net.UDPAddr{IP: net.ParseIP("192.0.2.1"), Port: 1111}
	peerB := &net.UDPAddr{IP: net.ParseIP("198.51.100.1"), Port: 2222}
	local := &net.UDPAddr{IP: net.ParseIP("192.0.2.2"), Port: 4433}

	cid0, _ := GenerateConnectionID(8)
	path0, _ := NewPath(cid0, MTU, 3*time.Second)
	path0.PeerAddr = peerA
	path0.LocalAddr = local
	path0.RemoteCnxID, _ = GenerateConnectionID(8)

	cid2, _ := GenerateConnectionID(8)
	probe, _ := NewPath(cid2, MTU, 3*time.Second)
	probe.PeerAddr = peerA
	probe.LocalAddr = local
	paths := []*Path{path0, probe}

	stashed, _ := GenerateConnectionID(8)
	secret := [ResetSecretSize]byte{0x5A, 0x5A}
	pop := func() (ConnectionID, [ResetSecretSize]byte, bool) {
		return stashed, secret, true
	}

	// The segment arrives on probe's CID but from an address pair probe has
	// never seen, and neither an alt probe nor the path[0]-rotation case
	// applies (server side): the stash supplies the remote CID.
	result := FindPath(paths, false, cid2, peerB, local, 1, time.Now(), false, pop)
	if result.Err != nil {
		t.Fatalf("FindPath() error = %v", result.Err)
	}
	if result.Path != probe {
		t.Fatal("FindPath() should match probe by its local CID")
	}
	if !probe.RemoteCnxID.Equal(stashed) {
		t.Errorf("RemoteCnxID = %x, want the stashed CID %x", probe.RemoteCnxID, stashed)
	}
	if probe.ResetSecret != secret {
		t.Error("the stashed reset secret should come along with the CID")
	}
}

func TestFindPathLeavesProbingPathDeactivatedWithoutStash(t *testing.T) {
	peerA := &net.UDPAddr{IP: net.ParseIP("192.0.2.1"), Port: 1111}
	peerB := &net.UDPAddr{IP: net.ParseIP("198.51.100.1"), Port: 2222}
	local := &net.UDPAddr{IP: net.ParseIP("192.0.2.2"), Port: 4433}

	cid0, _ := GenerateConnectionID(8)
	path0, _ := NewPath(cid0, MTU, 3*time.Second)
	path0.PeerAddr = peerA
	path0.LocalAddr = local
	path0.RemoteCnxID, _ = GenerateConnectionID(8)

	cid2, _ := GenerateConnectionID(8)
	probe, _ := NewPath(cid2, MTU, 3*time.Second)
	probe.PeerAddr = peerA
	probe.LocalAddr = local
	paths := []*Path{path0, probe}

	empty := func() (ConnectionID, [ResetSecretSize]byte, bool) {
		return nil, [ResetSecretSize]byte{}, false
	}
	result := FindPath(paths, false, cid2, peerB, local, 1, time.Now(), false, empty)
	if result.Err != nil {
		t.Fatalf("FindPath() error = %v", result.Err)
	}
	if !probe.RemoteCnxID.IsEmpty() {
		t.Error("with no stashed CID available the path must stay unarmed")
	}
	if probe.Activated() {
		t.Error("an unarmed path must stay deactivated")
	}
}

func TestFindPathClientCIDRotationPromotesToDefault(t *testing.T) {
	peerA := &net.UDPAddr{IP: net.ParseIP("192.0.2.1"), Port: 1111}
	peerB := &net.UDPAddr{IP: net.ParseIP("198.51.100.1"), Port: 2222}
	local := &net.UDPAddr{IP: net.ParseIP("192.0.2.2"), Port: 4433}

	cid0, _ := GenerateConnectionID(8)
	path0, _ := NewPath(cid0, MTU, 3*time.Second)
	path0.PeerAddr = peerA
	path0.LocalAddr = local
	oldRemote, _ := GenerateConnectionID(8)
	path0.RemoteCnxID = oldRemote
	oldSecret := path0.ResetSecret

	cid2, _ := GenerateConnectionID(8)
	rotated, _ := NewPath(cid2, MTU, 3*time.Second)
	rotated.PeerAddr = peerB
	rotated.LocalAddr = local
	paths := []*Path{path0, rotated}

	// A client-side segment arrives on the new local CID but from path[0]'s
	// address pair: only the CID changed, so the new path takes over the
	// default role and the old default's remote CID is retired.
	result := FindPath(paths, false, cid2, peerA, local, 1, time.Now(), true, nil)
	if result.Err != nil {
		t.Fatalf("FindPath() error = %v", result.Err)
	}
	if result.Path != rotated {
		t.Fatal("FindPath() should match the rotated path by its local CID")
	}
	if !result.PromoteToDefault {
		t.Error("a CID-only rotation should promote the new path to default")
	}
	if !result.RetiredCID.Equal(oldRemote) {
		t.Errorf("RetiredCID = %x, want the old default's remote CID %x", result.RetiredCID, oldRemote)
	}
	if !rotated.RemoteCnxID.Equal(oldRemote) {
		t.Errorf("rotated.RemoteCnxID = %x, want adopted %x", rotated.RemoteCnxID, oldRemote)
	}
	if rotated.ResetSecret != oldSecret {
		t.Error("the rotated path should adopt path[0]'s reset secret")
	}
	if path0.RemoteCnxID != nil {
		t.Error("the old default's remote CID should be cleared once retired")
	}
}

func TestFindPathZeroLengthCIDsCreatesNewPathAndRequestsChallenge(t *testing.T) {
	existing, _ := NewPath(nil, MTU, 3*time.Second)
	existing.PeerAddr = &net.UDPAddr{IP: net.ParseIP("192.0.2.1"), Port: 1111}
	existing.LocalAddr = &net.UDPAddr{IP: net.ParseIP("192.0.2.2"), Port: 4433}
	paths := []*Path{existing}

	newPeer := &net.UDPAddr{IP: net.ParseIP("198.51.100.1"), Port: 2222}
	local := &net.UDPAddr{IP: net.ParseIP("192.0.2.2"), Port: 4433}

	result := FindPath(paths, true, ConnectionID{}, newPeer, local, 1, time.Now(), false, nil)
	if result.Err != nil {
		t.Fatalf("FindPath() error = %v", result.Err)
	}
	if result.Path == nil || result.Path == existing {
		t.Fatal("FindPath() should mint a brand new path for an unseen address")
	}
	if !result.ChallengeNeeded {
		t.Error("a freshly minted path should require a PATH_CHALLENGE")
	}
}
