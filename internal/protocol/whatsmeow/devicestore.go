package whatsmeow

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.mau.fi/util/random"
	"go.mau.fi/whatsmeow/proto/waAdv"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/util/keys"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/EvolutionAPI/evolution-api-sub000/internal/authstate"
)

// Key categories written by deviceStore. Every entry is stored under
// authstate.Key(category, id).
const (
	catIdentity     = "identity"
	catSession      = "session"
	catPreKey       = "pre-key"
	catSenderKey    = "sender-key"
	catAppStateKey  = "app-state-sync-key"
	catAppStateVer  = "app-state-version"
	catAppStateMAC  = "app-state-mac"
	catContact      = "contact"
	catChatSettings = "chat-settings"
	catMsgSecret    = "msg-secret"
	catPrivacyToken = "privacy-token"
	catEventBuffer  = authstate.EventBufferCategory
	catLIDForPN     = "pn-lid"
	catPNForLID     = "lid-pn"
)

const bufferedEventTTL = 14 * 24 * time.Hour

var (
	_ store.AllStores       = (*deviceStore)(nil)
	_ store.DeviceContainer = (*deviceStore)(nil)
)

// deviceStore keeps the whole device state of one instance in its auth state
// store. The device identity lives in the creds blob, signal material under
// "<category>-<id>" keys.
type deviceStore struct {
	auth *authstate.Store
	log  *slog.Logger

	preKeyMu  sync.Mutex
	contactMu sync.Mutex
	lidMu     sync.Mutex
	appKeyMu  sync.Mutex
	txnMu     sync.Mutex

	migratedMu sync.Mutex
	migrated   map[string]struct{}
}

func newDeviceStore(auth *authstate.Store, log *slog.Logger) *deviceStore {
	return &deviceStore{auth: auth, log: log, migrated: make(map[string]struct{})}
}

// credsRecord is the creds blob. The sqlite device store only fills the
// pairing summary (Me, Platform, Registered, PairedAt).
type credsRecord struct {
	NoiseKey       []byte              `json:"noiseKey,omitempty"`
	IdentityKey    []byte              `json:"signedIdentityKey,omitempty"`
	SignedPreKey   *signedPreKeyRecord `json:"signedPreKey,omitempty"`
	RegistrationID uint32              `json:"registrationId,omitempty"`
	AdvSecretKey   []byte              `json:"advSecretKey,omitempty"`
	NextPreKeyID   uint32              `json:"nextPreKeyId,omitempty"`

	DeviceJID             string `json:"deviceJid,omitempty"`
	LID                   string `json:"lid,omitempty"`
	Account               []byte `json:"account,omitempty"`
	BusinessName          string `json:"businessName,omitempty"`
	PushName              string `json:"pushName,omitempty"`
	LIDMigrationTimestamp int64  `json:"lidMigrationTimestamp,omitempty"`
	FacebookUUID          string `json:"facebookUuid,omitempty"`

	Me         *credsIdentity `json:"me,omitempty"`
	Platform   string         `json:"platform,omitempty"`
	Registered bool           `json:"registered"`
	PairedAt   *time.Time     `json:"pairedAt,omitempty"`
}

type credsIdentity struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type signedPreKeyRecord struct {
	KeyID     uint32 `json:"keyId"`
	Private   []byte `json:"private"`
	Signature []byte `json:"signature"`
}

func decodeCreds(raw json.RawMessage) (credsRecord, error) {
	var rec credsRecord
	if raw == nil {
		return rec, nil
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		return rec, fmt.Errorf("decode creds: %w", err)
	}
	return rec, nil
}

// markPaired fills the pairing summary once the device has a JID.
func markPaired(rec *credsRecord, device *store.Device) {
	if device.ID == nil {
		return
	}
	rec.Me = &credsIdentity{ID: device.ID.ToNonAD().String(), Name: device.PushName}
	rec.Platform = device.Platform
	if !rec.Registered || rec.PairedAt == nil {
		now := time.Now().UTC()
		rec.PairedAt = &now
	}
	rec.Registered = true
}

func privateKey(b []byte) ([32]byte, bool) {
	var out [32]byte
	if len(b) != len(out) {
		return out, false
	}
	copy(out[:], b)
	return out, true
}

// Device loads the device from the creds blob, creating and persisting fresh
// keys when none are stored yet.
func (s *deviceStore) Device(ctx context.Context, log waLog.Logger) (*store.Device, error) {
	var rec credsRecord
	found, err := s.auth.ReadInto(ctx, authstate.CredsKey, &rec)
	if err != nil {
		return nil, err
	}
	noise, ok := privateKey(rec.NoiseKey)
	if !found || !ok {
		device := s.attach(newDevice(), log)
		if err := s.PutDevice(ctx, device); err != nil {
			return nil, fmt.Errorf("persist new device: %w", err)
		}
		return device, nil
	}
	device, err := deviceFromCreds(rec, noise)
	if err != nil {
		return nil, err
	}
	return s.attach(device, log), nil
}

func newDevice() *store.Device {
	device := &store.Device{
		NoiseKey:       keys.NewKeyPair(),
		IdentityKey:    keys.NewKeyPair(),
		RegistrationID: rand.Uint32(),
		AdvSecretKey:   random.Bytes(32),
	}
	device.SignedPreKey = device.IdentityKey.CreateSignedPreKey(1)
	return device
}

func deviceFromCreds(rec credsRecord, noise [32]byte) (*store.Device, error) {
	identity, ok := privateKey(rec.IdentityKey)
	if !ok {
		return nil, errors.New("creds: identity key is missing")
	}
	if rec.SignedPreKey == nil {
		return nil, errors.New("creds: signed pre-key is missing")
	}
	spk, ok := privateKey(rec.SignedPreKey.Private)
	if !ok || len(rec.SignedPreKey.Signature) != 64 {
		return nil, errors.New("creds: signed pre-key is malformed")
	}
	var sig [64]byte
	copy(sig[:], rec.SignedPreKey.Signature)
	device := &store.Device{
		NoiseKey:    keys.NewKeyPairFromPrivateKey(noise),
		IdentityKey: keys.NewKeyPairFromPrivateKey(identity),
		SignedPreKey: &keys.PreKey{
			KeyPair:   *keys.NewKeyPairFromPrivateKey(spk),
			KeyID:     rec.SignedPreKey.KeyID,
			Signature: &sig,
		},
		RegistrationID:        rec.RegistrationID,
		AdvSecretKey:          rec.AdvSecretKey,
		Platform:              rec.Platform,
		BusinessName:          rec.BusinessName,
		PushName:              rec.PushName,
		LIDMigrationTimestamp: rec.LIDMigrationTimestamp,
	}
	if rec.DeviceJID != "" {
		jid, err := types.ParseJID(rec.DeviceJID)
		if err != nil {
			return nil, fmt.Errorf("creds: device jid: %w", err)
		}
		device.ID = &jid
	}
	if rec.LID != "" {
		lid, err := types.ParseJID(rec.LID)
		if err != nil {
			return nil, fmt.Errorf("creds: lid: %w", err)
		}
		device.LID = lid
	}
	if len(rec.Account) > 0 {
		account := &waAdv.ADVSignedDeviceIdentity{}
		if err := proto.Unmarshal(rec.Account, account); err != nil {
			return nil, fmt.Errorf("creds: account: %w", err)
		}
		device.Account = account
	}
	if rec.FacebookUUID != "" {
		id, err := uuid.Parse(rec.FacebookUUID)
		if err != nil {
			return nil, fmt.Errorf("creds: facebook uuid: %w", err)
		}
		device.FacebookUUID = id
	}
	return device, nil
}

func (s *deviceStore) attach(device *store.Device, log waLog.Logger) *store.Device {
	device.Log = log
	device.Identities = s
	device.Sessions = s
	device.PreKeys = s
	device.SenderKeys = s
	device.AppStateKeys = s
	device.AppState = s
	device.Contacts = s
	device.ChatSettings = s
	device.MsgSecrets = s
	device.PrivacyTokens = s
	device.EventBuffer = s
	device.LIDs = s
	device.Container = s
	device.Initialized = true
	return device
}

// PutDevice writes the device fields into the creds blob, keeping the
// pre-key counter and the pairing timestamp.
func (s *deviceStore) PutDevice(ctx context.Context, device *store.Device) error {
	return s.auth.UpdateCreds(ctx, func(current json.RawMessage) (any, error) {
		rec, err := decodeCreds(current)
		if err != nil {
			return nil, err
		}
		rec.NoiseKey = device.NoiseKey.Priv[:]
		rec.IdentityKey = device.IdentityKey.Priv[:]
		rec.SignedPreKey = &signedPreKeyRecord{
			KeyID:     device.SignedPreKey.KeyID,
			Private:   device.SignedPreKey.Priv[:],
			Signature: device.SignedPreKey.Signature[:],
		}
		rec.RegistrationID = device.RegistrationID
		rec.AdvSecretKey = device.AdvSecretKey
		rec.DeviceJID = ""
		if device.ID != nil {
			rec.DeviceJID = device.ID.String()
		}
		rec.LID = ""
		if !device.LID.IsEmpty() {
			rec.LID = device.LID.String()
		}
		rec.Account = nil
		if device.Account != nil {
			account, err := proto.Marshal(device.Account)
			if err != nil {
				return nil, fmt.Errorf("encode account: %w", err)
			}
			rec.Account = account
		}
		rec.Platform = device.Platform
		rec.BusinessName = device.BusinessName
		rec.PushName = device.PushName
		rec.LIDMigrationTimestamp = device.LIDMigrationTimestamp
		rec.FacebookUUID = ""
		if device.FacebookUUID != uuid.Nil {
			rec.FacebookUUID = device.FacebookUUID.String()
		}
		markPaired(&rec, device)
		return rec, nil
	})
}

// DeleteDevice drops the whole auth state of the instance.
func (s *deviceStore) DeleteDevice(ctx context.Context, _ *store.Device) error {
	return s.auth.Clear(ctx)
}

// keyRecord holds a signal blob together with the address it belongs to, so
// lookups by family never have to parse keys back.
type keyRecord struct {
	Group   string `json:"group,omitempty"`
	Address string `json:"address"`
	Data    []byte `json:"data"`
}

func (s *deviceStore) readRecord(ctx context.Context, key string) (*keyRecord, error) {
	var rec keyRecord
	found, err := s.auth.ReadInto(ctx, key, &rec)
	if err != nil || !found {
		return nil, err
	}
	return &rec, nil
}

func (s *deviceStore) removePrefix(ctx context.Context, prefix string) error {
	_, err := s.auth.Purge(ctx, prefix)
	return err
}

func (s *deviceStore) PutIdentity(ctx context.Context, address string, key [32]byte) error {
	return s.auth.Write(ctx, authstate.Key(catIdentity, address), keyRecord{Address: address, Data: key[:]})
}

func (s *deviceStore) DeleteAllIdentities(ctx context.Context, phone string) error {
	return s.removePrefix(ctx, authstate.Key(catIdentity, phone+":"))
}

func (s *deviceStore) DeleteIdentity(ctx context.Context, address string) error {
	return s.auth.Remove(ctx, authstate.Key(catIdentity, address))
}

// IsTrustedIdentity trusts unknown addresses.
func (s *deviceStore) IsTrustedIdentity(ctx context.Context, address string, key [32]byte) (bool, error) {
	rec, err := s.readRecord(ctx, authstate.Key(catIdentity, address))
	if err != nil {
		return false, err
	}
	if rec == nil {
		return true, nil
	}
	return bytes.Equal(rec.Data, key[:]), nil
}

func (s *deviceStore) GetSession(ctx context.Context, address string) ([]byte, error) {
	rec, err := s.readRecord(ctx, authstate.Key(catSession, address))
	if err != nil || rec == nil {
		return nil, err
	}
	return rec.Data, nil
}

func (s *deviceStore) HasSession(ctx context.Context, address string) (bool, error) {
	rec, err := s.readRecord(ctx, authstate.Key(catSession, address))
	return rec != nil, err
}

func (s *deviceStore) PutSession(ctx context.Context, address string, session []byte) error {
	return s.auth.Write(ctx, authstate.Key(catSession, address), keyRecord{Address: address, Data: session})
}

func (s *deviceStore) DeleteAllSessions(ctx context.Context, phone string) error {
	return s.removePrefix(ctx, authstate.Key(catSession, phone+":"))
}

func (s *deviceStore) DeleteSession(ctx context.Context, address string) error {
	return s.auth.Remove(ctx, authstate.Key(catSession, address))
}

// MigratePNToLID moves sessions, identities and sender keys of the phone
// number signal user to its LID.
func (s *deviceStore) MigratePNToLID(ctx context.Context, pn, lid types.JID) error {
	pnSignal := pn.SignalAddressUser()
	s.migratedMu.Lock()
	_, done := s.migrated[pnSignal]
	s.migrated[pnSignal] = struct{}{}
	s.migratedMu.Unlock()
	if done {
		return nil
	}
	lidSignal := lid.SignalAddressUser()
	rename := func(address string) (string, bool) {
		if !strings.HasPrefix(address, pnSignal+":") {
			return "", false
		}
		return lidSignal + strings.TrimPrefix(address, pnSignal), true
	}
	moved := 0
	for _, cat := range []string{catSession, catIdentity} {
		n, err := s.moveRecords(ctx, authstate.Key(cat, pnSignal+":"), func(rec *keyRecord) (string, bool) {
			addr, ok := rename(rec.Address)
			if !ok {
				return "", false
			}
			rec.Address = addr
			return authstate.Key(cat, addr), true
		})
		if err != nil {
			return fmt.Errorf("migrate %s: %w", cat, err)
		}
		moved += n
	}
	n, err := s.moveRecords(ctx, catSenderKey+"-", func(rec *keyRecord) (string, bool) {
		addr, ok := rename(rec.Address)
		if !ok {
			return "", false
		}
		rec.Address = addr
		return senderKeyKey(rec.Group, addr), true
	})
	if err != nil {
		return fmt.Errorf("migrate sender keys: %w", err)
	}
	moved += n
	if moved > 0 {
		s.log.Info("migrated signal material to lid",
			slog.String("from", pnSignal),
			slog.String("to", lidSignal),
			slog.Int("entries", moved),
		)
	}
	return nil
}

func (s *deviceStore) moveRecords(ctx context.Context, prefix string, rekey func(*keyRecord) (string, bool)) (int, error) {
	found, err := s.auth.Keys(ctx, prefix)
	if err != nil {
		return 0, err
	}
	moved := 0
	for _, key := range found {
		rec, err := s.readRecord(ctx, key)
		if err != nil {
			return moved, err
		}
		if rec == nil {
			continue
		}
		next, ok := rekey(rec)
		if !ok {
			continue
		}
		if err := s.auth.Write(ctx, next, rec); err != nil {
			return moved, err
		}
		if err := s.auth.Remove(ctx, key); err != nil {
			return moved, err
		}
		moved++
	}
	return moved, nil
}

type preKeyRecord struct {
	ID       uint32 `json:"id"`
	Private  []byte `json:"private"`
	Uploaded bool   `json:"uploaded"`
}

func (r preKeyRecord) key() (*keys.PreKey, error) {
	priv, ok := privateKey(r.Private)
	if !ok {
		return nil, fmt.Errorf("pre-key %d is malformed", r.ID)
	}
	return &keys.PreKey{KeyPair: *keys.NewKeyPairFromPrivateKey(priv), KeyID: r.ID}, nil
}

func preKeyKey(id uint32) string {
	return authstate.Key(catPreKey, strconv.FormatUint(uint64(id), 10))
}

func (s *deviceStore) preKeys(ctx context.Context) ([]preKeyRecord, error) {
	found, err := s.auth.Keys(ctx, catPreKey+"-")
	if err != nil {
		return nil, err
	}
	out := make([]preKeyRecord, 0, len(found))
	for _, key := range found {
		var rec preKeyRecord
		ok, err := s.auth.ReadInto(ctx, key, &rec)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// allocPreKeyIDs reserves n consecutive ids from the counter in creds.
func (s *deviceStore) allocPreKeyIDs(ctx context.Context, n uint32) (uint32, error) {
	var first uint32
	err := s.auth.UpdateCreds(ctx, func(current json.RawMessage) (any, error) {
		rec, err := decodeCreds(current)
		if err != nil {
			return nil, err
		}
		if rec.NextPreKeyID == 0 {
			rec.NextPreKeyID = 1
		}
		first = rec.NextPreKeyID
		rec.NextPreKeyID += n
		return rec, nil
	})
	return first, err
}

func (s *deviceStore) genPreKeys(ctx context.Context, n uint32, uploaded bool) ([]*keys.PreKey, error) {
	first, err := s.allocPreKeyIDs(ctx, n)
	if err != nil {
		return nil, err
	}
	out := make([]*keys.PreKey, 0, n)
	for i := uint32(0); i < n; i++ {
		key := keys.NewPreKey(first + i)
		rec := preKeyRecord{ID: key.KeyID, Private: key.Priv[:], Uploaded: uploaded}
		if err := s.auth.Write(ctx, preKeyKey(key.KeyID), rec); err != nil {
			return nil, fmt.Errorf("store pre-key: %w", err)
		}
		out = append(out, key)
	}
	return out, nil
}

// GetOrGenPreKeys returns up to count unuploaded keys, oldest first, topping
// up with fresh ones.
func (s *deviceStore) GetOrGenPreKeys(ctx context.Context, count uint32) ([]*keys.PreKey, error) {
	s.preKeyMu.Lock()
	defer s.preKeyMu.Unlock()
	all, err := s.preKeys(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*keys.PreKey, 0, count)
	for _, rec := range all {
		if uint32(len(out)) == count {
			break
		}
		if rec.Uploaded {
			continue
		}
		key, err := rec.key()
		if err != nil {
			return nil, err
		}
		out = append(out, key)
	}
	if missing := count - uint32(len(out)); missing > 0 {
		fresh, err := s.genPreKeys(ctx, missing, false)
		if err != nil {
			return nil, err
		}
		out = append(out, fresh...)
	}
	return out, nil
}

func (s *deviceStore) GenOnePreKey(ctx context.Context) (*keys.PreKey, error) {
	s.preKeyMu.Lock()
	defer s.preKeyMu.Unlock()
	out, err := s.genPreKeys(ctx, 1, true)
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

func (s *deviceStore) GetPreKey(ctx context.Context, id uint32) (*keys.PreKey, error) {
	var rec preKeyRecord
	found, err := s.auth.ReadInto(ctx, preKeyKey(id), &rec)
	if err != nil || !found {
		return nil, err
	}
	return rec.key()
}

func (s *deviceStore) RemovePreKey(ctx context.Context, id uint32) error {
	return s.auth.Remove(ctx, preKeyKey(id))
}

func (s *deviceStore) MarkPreKeysAsUploaded(ctx context.Context, upToID uint32) error {
	s.preKeyMu.Lock()
	defer s.preKeyMu.Unlock()
	all, err := s.preKeys(ctx)
	if err != nil {
		return err
	}
	for _, rec := range all {
		if rec.Uploaded || rec.ID > upToID {
			continue
		}
		rec.Uploaded = true
		if err := s.auth.Write(ctx, preKeyKey(rec.ID), rec); err != nil {
			return err
		}
	}
	return nil
}

func (s *deviceStore) UploadedPreKeyCount(ctx context.Context) (int, error) {
	all, err := s.preKeys(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range all {
		if rec.Uploaded {
			n++
		}
	}
	return n, nil
}

func senderKeyKey(group, user string) string {
	return authstate.Key(catSenderKey, group+"-"+user)
}

func (s *deviceStore) PutSenderKey(ctx context.Context, group, user string, session []byte) error {
	return s.auth.Write(ctx, senderKeyKey(group, user), keyRecord{Group: group, Address: user, Data: session})
}

func (s *deviceStore) GetSenderKey(ctx context.Context, group, user string) ([]byte, error) {
	rec, err := s.readRecord(ctx, senderKeyKey(group, user))
	if err != nil || rec == nil {
		return nil, err
	}
	return rec.Data, nil
}

type appStateKeyRecord struct {
	ID          []byte `json:"id"`
	Data        []byte `json:"data"`
	Fingerprint []byte `json:"fingerprint"`
	Timestamp   int64  `json:"timestamp"`
}

func appStateKeyKey(id []byte) string {
	return authstate.Key(catAppStateKey, hex.EncodeToString(id))
}

// PutAppStateSyncKey keeps the stored key when it is not older.
func (s *deviceStore) PutAppStateSyncKey(ctx context.Context, id []byte, key store.AppStateSyncKey) error {
	s.appKeyMu.Lock()
	defer s.appKeyMu.Unlock()
	var current appStateKeyRecord
	found, err := s.auth.ReadInto(ctx, appStateKeyKey(id), &current)
	if err != nil {
		return err
	}
	if found && current.Timestamp >= key.Timestamp {
		return nil
	}
	return s.auth.Write(ctx, appStateKeyKey(id), appStateKeyRecord{
		ID:          id,
		Data:        key.Data,
		Fingerprint: key.Fingerprint,
		Timestamp:   key.Timestamp,
	})
}

func (s *deviceStore) GetAppStateSyncKey(ctx context.Context, id []byte) (*store.AppStateSyncKey, error) {
	var rec appStateKeyRecord
	found, err := s.auth.ReadInto(ctx, appStateKeyKey(id), &rec)
	if err != nil || !found {
		return nil, err
	}
	return &store.AppStateSyncKey{Data: rec.Data, Fingerprint: rec.Fingerprint, Timestamp: rec.Timestamp}, nil
}

func (s *deviceStore) GetLatestAppStateSyncKeyID(ctx context.Context) ([]byte, error) {
	found, err := s.auth.Keys(ctx, catAppStateKey+"-")
	if err != nil {
		return nil, err
	}
	var latest *appStateKeyRecord
	for _, key := range found {
		var rec appStateKeyRecord
		ok, err := s.auth.ReadInto(ctx, key, &rec)
		if err != nil {
			return nil, err
		}
		if ok && (latest == nil || rec.Timestamp > latest.Timestamp) {
			latest = &rec
		}
	}
	if latest == nil {
		return nil, nil
	}
	return latest.ID, nil
}

type appStateVersionRecord struct {
	Version uint64 `json:"version"`
	Hash    []byte `json:"hash"`
}

func (s *deviceStore) PutAppStateVersion(ctx context.Context, name string, version uint64, hash [128]byte) error {
	return s.auth.Write(ctx, authstate.Key(catAppStateVer, name), appStateVersionRecord{Version: version, Hash: hash[:]})
}

func (s *deviceStore) GetAppStateVersion(ctx context.Context, name string) (uint64, [128]byte, error) {
	var hash [128]byte
	var rec appStateVersionRecord
	found, err := s.auth.ReadInto(ctx, authstate.Key(catAppStateVer, name), &rec)
	if err != nil || !found {
		return 0, hash, err
	}
	copy(hash[:], rec.Hash)
	return rec.Version, hash, nil
}

func (s *deviceStore) DeleteAppStateVersion(ctx context.Context, name string) error {
	return s.auth.Remove(ctx, authstate.Key(catAppStateVer, name))
}

type mutationMACRecord struct {
	Version  uint64 `json:"version"`
	ValueMAC []byte `json:"valueMac"`
}

func mutationMACKey(name string, indexMAC []byte) string {
	return authstate.Key(catAppStateMAC, name+"-"+hex.EncodeToString(indexMAC))
}

// PutAppStateMutationMACs keeps the value of the highest version per index.
func (s *deviceStore) PutAppStateMutationMACs(ctx context.Context, name string, version uint64, mutations []store.AppStateMutationMAC) error {
	for _, m := range mutations {
		key := mutationMACKey(name, m.IndexMAC)
		var current mutationMACRecord
		found, err := s.auth.ReadInto(ctx, key, &current)
		if err != nil {
			return err
		}
		if found && current.Version > version {
			continue
		}
		if err := s.auth.Write(ctx, key, mutationMACRecord{Version: version, ValueMAC: m.ValueMAC}); err != nil {
			return err
		}
	}
	return nil
}

func (s *deviceStore) DeleteAppStateMutationMACs(ctx context.Context, name string, indexMACs [][]byte) error {
	for _, index := range indexMACs {
		if err := s.auth.Remove(ctx, mutationMACKey(name, index)); err != nil {
			return err
		}
	}
	return nil
}

func (s *deviceStore) GetAppStateMutationMAC(ctx context.Context, name string, indexMAC []byte) ([]byte, error) {
	var rec mutationMACRecord
	found, err := s.auth.ReadInto(ctx, mutationMACKey(name, indexMAC), &rec)
	if err != nil || !found {
		return nil, err
	}
	return rec.ValueMAC, nil
}

type contactRecord struct {
	JID          string `json:"jid"`
	FirstName    string `json:"firstName,omitempty"`
	FullName     string `json:"fullName,omitempty"`
	PushName     string `json:"pushName,omitempty"`
	BusinessName string `json:"businessName,omitempty"`
}

func (r contactRecord) info() types.ContactInfo {
	return types.ContactInfo{
		Found:        true,
		FirstName:    r.FirstName,
		FullName:     r.FullName,
		PushName:     r.PushName,
		BusinessName: r.BusinessName,
	}
}

func (s *deviceStore) contact(ctx context.Context, user types.JID) (contactRecord, bool, error) {
	rec := contactRecord{JID: user.String()}
	found, err := s.auth.ReadInto(ctx, authstate.Key(catContact, user.String()), &rec)
	return rec, found, err
}

func (s *deviceStore) updateContact(ctx context.Context, user types.JID, fn func(*contactRecord) bool) (contactRecord, bool, error) {
	s.contactMu.Lock()
	defer s.contactMu.Unlock()
	rec, _, err := s.contact(ctx, user)
	if err != nil {
		return rec, false, err
	}
	before := rec
	if !fn(&rec) {
		return before, false, nil
	}
	if err := s.auth.Write(ctx, authstate.Key(catContact, user.String()), rec); err != nil {
		return before, false, err
	}
	return before, true, nil
}

func (s *deviceStore) PutPushName(ctx context.Context, user types.JID, pushName string) (bool, string, error) {
	before, changed, err := s.updateContact(ctx, user, func(rec *contactRecord) bool {
		if rec.PushName == pushName {
			return false
		}
		rec.PushName = pushName
		return true
	})
	if err != nil || !changed {
		return false, "", err
	}
	return true, before.PushName, nil
}

func (s *deviceStore) PutBusinessName(ctx context.Context, user types.JID, businessName string) (bool, string, error) {
	before, changed, err := s.updateContact(ctx, user, func(rec *contactRecord) bool {
		if rec.BusinessName == businessName {
			return false
		}
		rec.BusinessName = businessName
		return true
	})
	if err != nil || !changed {
		return false, "", err
	}
	return true, before.BusinessName, nil
}

func (s *deviceStore) PutContactName(ctx context.Context, user types.JID, fullName, firstName string) error {
	_, _, err := s.updateContact(ctx, user, func(rec *contactRecord) bool {
		if rec.FullName == fullName && rec.FirstName == firstName {
			return false
		}
		rec.FullName = fullName
		rec.FirstName = firstName
		return true
	})
	return err
}

func (s *deviceStore) PutAllContactNames(ctx context.Context, contacts []store.ContactEntry) error {
	for _, c := range contacts {
		if err := s.PutContactName(ctx, c.JID, c.FullName, c.FirstName); err != nil {
			return err
		}
	}
	return nil
}

func (s *deviceStore) GetContact(ctx context.Context, user types.JID) (types.ContactInfo, error) {
	rec, found, err := s.contact(ctx, user)
	if err != nil || !found {
		return types.ContactInfo{}, err
	}
	return rec.info(), nil
}

func (s *deviceStore) GetAllContacts(ctx context.Context) (map[types.JID]types.ContactInfo, error) {
	found, err := s.auth.Keys(ctx, catContact+"-")
	if err != nil {
		return nil, err
	}
	out := make(map[types.JID]types.ContactInfo, len(found))
	for _, key := range found {
		var rec contactRecord
		ok, err := s.auth.ReadInto(ctx, key, &rec)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		jid, err := types.ParseJID(rec.JID)
		if err != nil {
			s.log.Warn("skipping contact with bad jid", slog.String("jid", rec.JID))
			continue
		}
		out[jid] = rec.info()
	}
	return out, nil
}

type chatSettingsRecord struct {
	MutedUntil int64 `json:"mutedUntil,omitempty"`
	Pinned     bool  `json:"pinned,omitempty"`
	Archived   bool  `json:"archived,omitempty"`
}

func (s *deviceStore) updateChatSettings(ctx context.Context, chat types.JID, fn func(*chatSettingsRecord)) error {
	key := authstate.Key(catChatSettings, chat.String())
	var rec chatSettingsRecord
	if _, err := s.auth.ReadInto(ctx, key, &rec); err != nil {
		return err
	}
	fn(&rec)
	return s.auth.Write(ctx, key, rec)
}

func (s *deviceStore) PutMutedUntil(ctx context.Context, chat types.JID, mutedUntil time.Time) error {
	return s.updateChatSettings(ctx, chat, func(rec *chatSettingsRecord) {
		rec.MutedUntil = 0
		if !mutedUntil.IsZero() {
			rec.MutedUntil = mutedUntil.Unix()
		}
	})
}

func (s *deviceStore) PutPinned(ctx context.Context, chat types.JID, pinned bool) error {
	return s.updateChatSettings(ctx, chat, func(rec *chatSettingsRecord) { rec.Pinned = pinned })
}

func (s *deviceStore) PutArchived(ctx context.Context, chat types.JID, archived bool) error {
	return s.updateChatSettings(ctx, chat, func(rec *chatSettingsRecord) { rec.Archived = archived })
}

func (s *deviceStore) GetChatSettings(ctx context.Context, chat types.JID) (types.LocalChatSettings, error) {
	var rec chatSettingsRecord
	found, err := s.auth.ReadInto(ctx, authstate.Key(catChatSettings, chat.String()), &rec)
	if err != nil || !found {
		return types.LocalChatSettings{}, err
	}
	settings := types.LocalChatSettings{Found: true, Pinned: rec.Pinned, Archived: rec.Archived}
	if rec.MutedUntil != 0 {
		settings.MutedUntil = time.Unix(rec.MutedUntil, 0)
	}
	return settings, nil
}

type msgSecretRecord struct {
	Sender string `json:"sender"`
	Secret []byte `json:"secret"`
}

func msgSecretKey(chat, sender types.JID, id types.MessageID) string {
	return authstate.Key(catMsgSecret, chat.ToNonAD().String()+"-"+sender.ToNonAD().String()+"-"+id)
}

func (s *deviceStore) PutMessageSecrets(ctx context.Context, inserts []store.MessageSecretInsert) error {
	for _, in := range inserts {
		if err := s.PutMessageSecret(ctx, in.Chat, in.Sender, in.ID, in.Secret); err != nil {
			return err
		}
	}
	return nil
}

// PutMessageSecret never overwrites an existing secret.
func (s *deviceStore) PutMessageSecret(ctx context.Context, chat, sender types.JID, id types.MessageID, secret []byte) error {
	key := msgSecretKey(chat, sender, id)
	raw, err := s.auth.Read(ctx, key)
	if err != nil || raw != nil {
		return err
	}
	return s.auth.Write(ctx, key, msgSecretRecord{Sender: sender.ToNonAD().String(), Secret: secret})
}

// GetMessageSecret falls back to the sender's other identity (LID or phone
// number) when nothing is stored under the given one.
func (s *deviceStore) GetMessageSecret(ctx context.Context, chat, sender types.JID, id types.MessageID) ([]byte, types.JID, error) {
	candidates := []types.JID{sender}
	var alt types.JID
	var err error
	switch sender.Server {
	case types.HiddenUserServer:
		alt, err = s.GetPNForLID(ctx, sender)
	case types.DefaultUserServer:
		alt, err = s.GetLIDForPN(ctx, sender)
	}
	if err != nil {
		return nil, types.JID{}, err
	}
	if !alt.IsEmpty() {
		candidates = append(candidates, alt)
	}
	for _, who := range candidates {
		var rec msgSecretRecord
		found, err := s.auth.ReadInto(ctx, msgSecretKey(chat, who, id), &rec)
		if err != nil {
			return nil, types.JID{}, err
		}
		if !found {
			continue
		}
		realSender, err := types.ParseJID(rec.Sender)
		if err != nil {
			return nil, types.JID{}, fmt.Errorf("message secret sender: %w", err)
		}
		return rec.Secret, realSender, nil
	}
	return nil, types.JID{}, nil
}

type privacyTokenRecord struct {
	Token     []byte `json:"token"`
	Timestamp int64  `json:"timestamp"`
}

func (s *deviceStore) PutPrivacyTokens(ctx context.Context, tokens ...store.PrivacyToken) error {
	for _, t := range tokens {
		rec := privacyTokenRecord{Token: t.Token, Timestamp: t.Timestamp.Unix()}
		if err := s.auth.Write(ctx, authstate.Key(catPrivacyToken, t.User.ToNonAD().String()), rec); err != nil {
			return err
		}
	}
	return nil
}

func (s *deviceStore) GetPrivacyToken(ctx context.Context, user types.JID) (*store.PrivacyToken, error) {
	var rec privacyTokenRecord
	found, err := s.auth.ReadInto(ctx, authstate.Key(catPrivacyToken, user.ToNonAD().String()), &rec)
	if err != nil || !found {
		return nil, err
	}
	return &store.PrivacyToken{User: user, Token: rec.Token, Timestamp: time.Unix(rec.Timestamp, 0)}, nil
}

type bufferedEventRecord struct {
	Plaintext  []byte `json:"plaintext,omitempty"`
	InsertTime int64  `json:"insertTime"`
	ServerTime int64  `json:"serverTime"`
}

func bufferedEventKey(hash [32]byte) string {
	return authstate.Key(catEventBuffer, hex.EncodeToString(hash[:]))
}

func (s *deviceStore) GetBufferedEvent(ctx context.Context, hash [32]byte) (*store.BufferedEvent, error) {
	var rec bufferedEventRecord
	found, err := s.auth.ReadInto(ctx, bufferedEventKey(hash), &rec)
	if err != nil || !found {
		return nil, err
	}
	return &store.BufferedEvent{
		Plaintext:  rec.Plaintext,
		InsertTime: time.UnixMilli(rec.InsertTime),
		ServerTime: time.Unix(rec.ServerTime, 0),
	}, nil
}

func (s *deviceStore) PutBufferedEvent(ctx context.Context, hash [32]byte, plaintext []byte, serverTimestamp time.Time) error {
	return s.auth.Write(ctx, bufferedEventKey(hash), bufferedEventRecord{
		Plaintext:  plaintext,
		InsertTime: time.Now().UnixMilli(),
		ServerTime: serverTimestamp.Unix(),
	})
}

// DoDecryptionTxn serializes decryptions. The auth state store has no
// transactions, so a failed fn may leave partial writes behind.
func (s *deviceStore) DoDecryptionTxn(ctx context.Context, fn func(context.Context) error) error {
	s.txnMu.Lock()
	defer s.txnMu.Unlock()
	return fn(ctx)
}

func (s *deviceStore) ClearBufferedEventPlaintext(ctx context.Context, hash [32]byte) error {
	key := bufferedEventKey(hash)
	var rec bufferedEventRecord
	found, err := s.auth.ReadInto(ctx, key, &rec)
	if err != nil || !found {
		return err
	}
	rec.Plaintext = nil
	return s.auth.Write(ctx, key, rec)
}

func (s *deviceStore) DeleteOldBufferedHashes(ctx context.Context) error {
	found, err := s.auth.Keys(ctx, catEventBuffer+"-")
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-bufferedEventTTL).UnixMilli()
	for _, key := range found {
		var rec bufferedEventRecord
		ok, err := s.auth.ReadInto(ctx, key, &rec)
		if err != nil {
			return err
		}
		if ok && rec.InsertTime < cutoff {
			if err := s.auth.Remove(ctx, key); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *deviceStore) PutManyLIDMappings(ctx context.Context, mappings []store.LIDMapping) error {
	for _, m := range mappings {
		if err := s.PutLIDMapping(ctx, m.LID, m.PN); err != nil {
			return err
		}
	}
	return nil
}

// PutLIDMapping stores both directions and drops mappings it replaces.
func (s *deviceStore) PutLIDMapping(ctx context.Context, lid, pn types.JID) error {
	if lid.Server != types.HiddenUserServer || pn.Server != types.DefaultUserServer {
		return fmt.Errorf("invalid lid mapping %s/%s", lid, pn)
	}
	s.lidMu.Lock()
	defer s.lidMu.Unlock()
	var oldLID, oldPN string
	if _, err := s.auth.ReadInto(ctx, authstate.Key(catLIDForPN, pn.User), &oldLID); err != nil {
		return err
	}
	if oldLID == lid.User {
		return nil
	}
	if _, err := s.auth.ReadInto(ctx, authstate.Key(catPNForLID, lid.User), &oldPN); err != nil {
		return err
	}
	if oldLID != "" {
		if err := s.auth.Remove(ctx, authstate.Key(catPNForLID, oldLID)); err != nil {
			return err
		}
	}
	if oldPN != "" && oldPN != pn.User {
		if err := s.auth.Remove(ctx, authstate.Key(catLIDForPN, oldPN)); err != nil {
			return err
		}
	}
	if err := s.auth.Write(ctx, authstate.Key(catLIDForPN, pn.User), lid.User); err != nil {
		return err
	}
	return s.auth.Write(ctx, authstate.Key(catPNForLID, lid.User), pn.User)
}

func (s *deviceStore) lookupMapping(ctx context.Context, key string, source types.JID, server string) (types.JID, error) {
	var user string
	found, err := s.auth.ReadInto(ctx, key, &user)
	if err != nil || !found || user == "" {
		return types.JID{}, err
	}
	return types.JID{User: user, Device: source.Device, Server: server}, nil
}

func (s *deviceStore) GetPNForLID(ctx context.Context, lid types.JID) (types.JID, error) {
	if lid.Server != types.HiddenUserServer {
		return types.JID{}, fmt.Errorf("invalid GetPNForLID call with non-LID JID %s", lid)
	}
	return s.lookupMapping(ctx, authstate.Key(catPNForLID, lid.User), lid, types.DefaultUserServer)
}

func (s *deviceStore) GetLIDForPN(ctx context.Context, pn types.JID) (types.JID, error) {
	if pn.Server != types.DefaultUserServer {
		return types.JID{}, fmt.Errorf("invalid GetLIDForPN call with non-PN JID %s", pn)
	}
	return s.lookupMapping(ctx, authstate.Key(catLIDForPN, pn.User), pn, types.HiddenUserServer)
}
