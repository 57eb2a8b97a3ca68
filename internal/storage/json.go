package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/gofrs/flock"

	"github.com/ilokitv/awgbot/internal/models"
)

// Файлы JSON-хранилища внутри data_dir
const (
	serversFile     = "servers.json"
	credentialsFile = "credentials.json"
	trafficDir      = "traffic"
	connectionsDir  = "connections"
)

// JSON хранит состояние в файлах. Запись идет во временный файл с последующим rename,
// записи в один файл сериализуются. servers.json и credentials.json дополнительно
// защищены flock, потому что их одновременно меняют демон и команды CLI.
type JSON struct {
	root string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

type serversDoc struct {
	Active  string          `json:"active"`
	Servers []models.Server `json:"servers"`
}

// credentialsDoc server -> name -> credential
type credentialsDoc map[string]map[string]models.Credential

// NewJSON создает файловое хранилище в каталоге root
func NewJSON(root string) (*JSON, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	return &JSON{root: root, locks: make(map[string]*sync.Mutex)}, nil
}

// Root возвращает каталог данных
func (s *JSON) Root() string {
	return s.root
}

// Close ничего не делает: файлы не держатся открытыми
func (s *JSON) Close() error {
	return nil
}

func (s *JSON) lock(path string) func() {
	s.mu.Lock()
	l, ok := s.locks[path]
	if !ok {
		l = &sync.Mutex{}
		s.locks[path] = l
	}
	s.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// lockShared берет lock и flock на <name>.lock в data_dir
func (s *JSON) lockShared(name string) (func(), error) {
	unlock := s.lock(name)
	fl := flock.New(s.path(name + ".lock"))
	if err := fl.Lock(); err != nil {
		unlock()
		return nil, fmt.Errorf("failed to lock %s: %w", name, err)
	}
	return func() {
		_ = fl.Unlock()
		unlock()
	}, nil
}

func (s *JSON) path(parts ...string) string {
	return filepath.Join(append([]string{s.root}, parts...)...)
}

// readJSON возвращает ErrNotFound, если файла нет
func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	return WriteFileAtomic(path, data, 0o640)
}

// WriteFileAtomic пишет данные во временный файл рядом с path и переименовывает его
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create dir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to chmod %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}

func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return nil
}

// --- servers ---

func (s *JSON) loadServers() (serversDoc, error) {
	var doc serversDoc
	if err := readJSON(s.path(serversFile), &doc); err != nil && !errors.Is(err, ErrNotFound) {
		return doc, err
	}
	return doc, nil
}

func (s *JSON) ListServers(_ context.Context) ([]models.Server, error) {
	unlock, err := s.lockShared(serversFile)
	if err != nil {
		return nil, err
	}
	defer unlock()

	doc, err := s.loadServers()
	if err != nil {
		return nil, err
	}
	sort.Slice(doc.Servers, func(i, j int) bool { return doc.Servers[i].ID < doc.Servers[j].ID })
	return doc.Servers, nil
}

func (s *JSON) SaveServer(_ context.Context, server models.Server) error {
	unlock, err := s.lockShared(serversFile)
	if err != nil {
		return err
	}
	defer unlock()

	doc, err := s.loadServers()
	if err != nil {
		return err
	}
	replaced := false
	for i := range doc.Servers {
		if doc.Servers[i].ID == server.ID {
			doc.Servers[i] = server
			replaced = true
			break
		}
	}
	if !replaced {
		doc.Servers = append(doc.Servers, server)
	}
	return writeJSON(s.path(serversFile), doc)
}

func (s *JSON) DeleteServer(_ context.Context, id string) error {
	unlock, err := s.lockShared(serversFile)
	if err != nil {
		return err
	}
	doc, err := s.loadServers()
	if err != nil {
		unlock()
		return err
	}
	kept := doc.Servers[:0]
	found := false
	for _, srv := range doc.Servers {
		if srv.ID == id {
			found = true
			continue
		}
		kept = append(kept, srv)
	}
	if !found {
		unlock()
		return ErrNotFound
	}
	doc.Servers = kept
	if doc.Active == id {
		doc.Active = ""
	}
	err = writeJSON(s.path(serversFile), doc)
	unlock()
	if err != nil {
		return err
	}

	unlock, err = s.lockShared(credentialsFile)
	if err != nil {
		return err
	}
	creds, err := s.loadCredentials()
	if err == nil {
		if _, ok := creds[id]; ok {
			delete(creds, id)
			err = writeJSON(s.path(credentialsFile), creds)
		}
	}
	unlock()
	if err != nil {
		return err
	}

	if err := os.RemoveAll(s.path(trafficDir, id)); err != nil {
		return fmt.Errorf("failed to remove traffic of server %s: %w", id, err)
	}
	if err := os.RemoveAll(s.path(connectionsDir, id)); err != nil {
		return fmt.Errorf("failed to remove connections of server %s: %w", id, err)
	}
	return nil
}

func (s *JSON) ActiveServerID(_ context.Context) (string, error) {
	unlock, err := s.lockShared(serversFile)
	if err != nil {
		return "", err
	}
	defer unlock()

	doc, err := s.loadServers()
	if err != nil {
		return "", err
	}
	return doc.Active, nil
}

func (s *JSON) SetActiveServerID(_ context.Context, id string) error {
	unlock, err := s.lockShared(serversFile)
	if err != nil {
		return err
	}
	defer unlock()

	doc, err := s.loadServers()
	if err != nil {
		return err
	}
	doc.Active = id
	return writeJSON(s.path(serversFile), doc)
}

// --- credentials ---

func (s *JSON) loadCredentials() (credentialsDoc, error) {
	doc := credentialsDoc{}
	if err := readJSON(s.path(credentialsFile), &doc); err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if doc == nil {
		doc = credentialsDoc{}
	}
	return doc, nil
}

func (s *JSON) GetCredential(_ context.Context, serverID, name string) (models.Credential, error) {
	unlock, err := s.lockShared(credentialsFile)
	if err != nil {
		return models.Credential{}, err
	}
	defer unlock()

	doc, err := s.loadCredentials()
	if err != nil {
		return models.Credential{}, err
	}
	cred, ok := doc[serverID][name]
	if !ok {
		return models.Credential{}, ErrNotFound
	}
	return cred, nil
}

func (s *JSON) ListCredentials(_ context.Context, serverID string) ([]models.Credential, error) {
	unlock, err := s.lockShared(credentialsFile)
	if err != nil {
		return nil, err
	}
	defer unlock()

	doc, err := s.loadCredentials()
	if err != nil {
		return nil, err
	}
	var out []models.Credential
	for sid, byName := range doc {
		if serverID != "" && sid != serverID {
			continue
		}
		for _, cred := range byName {
			out = append(out, cred)
		}
	}
	sortCredentials(out)
	return out, nil
}

func (s *JSON) SaveCredential(_ context.Context, cred models.Credential) error {
	unlock, err := s.lockShared(credentialsFile)
	if err != nil {
		return err
	}
	defer unlock()

	doc, err := s.loadCredentials()
	if err != nil {
		return err
	}
	if doc[cred.ServerID] == nil {
		doc[cred.ServerID] = make(map[string]models.Credential)
	}
	doc[cred.ServerID][cred.Name] = cred
	return writeJSON(s.path(credentialsFile), doc)
}

func (s *JSON) DeleteCredential(_ context.Context, serverID, name string) error {
	unlock, err := s.lockShared(credentialsFile)
	if err != nil {
		return err
	}
	defer unlock()

	doc, err := s.loadCredentials()
	if err != nil {
		return err
	}
	byName, ok := doc[serverID]
	if !ok {
		return nil
	}
	if _, ok := byName[name]; !ok {
		return nil
	}
	delete(byName, name)
	if len(byName) == 0 {
		delete(doc, serverID)
	}
	return writeJSON(s.path(credentialsFile), doc)
}

// --- traffic ---

func (s *JSON) trafficPath(serverID, name string) string {
	return s.path(trafficDir, serverID, name+".json")
}

func (s *JSON) GetTraffic(_ context.Context, serverID, name string) (models.TrafficRecord, error) {
	path := s.trafficPath(serverID, name)
	defer s.lock(path)()

	var rec models.TrafficRecord
	if err := readJSON(path, &rec); err != nil {
		return models.TrafficRecord{}, err
	}
	rec.ServerID, rec.CredentialName = serverID, name
	return rec, nil
}

func (s *JSON) SaveTraffic(_ context.Context, record models.TrafficRecord) error {
	path := s.trafficPath(record.ServerID, record.CredentialName)
	defer s.lock(path)()

	return writeJSON(path, record)
}

func (s *JSON) DeleteTraffic(_ context.Context, serverID, name string) error {
	path := s.trafficPath(serverID, name)
	defer s.lock(path)()

	return removeFile(path)
}

// --- connections ---

func (s *JSON) connectionsPath(serverID, name string) string {
	return s.path(connectionsDir, serverID, name+".json")
}

func (s *JSON) RecordConnection(_ context.Context, serverID, name string, conn models.Connection) error {
	path := s.connectionsPath(serverID, name)
	defer s.lock(path)()

	var list []models.Connection
	if err := readJSON(path, &list); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	updated, changed := mergeConnection(list, conn)
	if !changed {
		return nil
	}
	return writeJSON(path, updated)
}

func (s *JSON) ListConnections(_ context.Context, serverID, name string) ([]models.Connection, error) {
	path := s.connectionsPath(serverID, name)
	defer s.lock(path)()

	var list []models.Connection
	if err := readJSON(path, &list); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return list, nil
}

func (s *JSON) DeleteConnections(_ context.Context, serverID, name string) error {
	path := s.connectionsPath(serverID, name)
	defer s.lock(path)()

	return removeFile(path)
}

// mergeConnection добавляет IP, если его еще нет, и оставляет MaxConnections самых новых.
// Список отсортирован от новых к старым.
func mergeConnection(list []models.Connection, conn models.Connection) ([]models.Connection, bool) {
	for _, c := range list {
		if c.IP == conn.IP {
			return list, false
		}
	}
	list = append(list, conn)
	sort.SliceStable(list, func(i, j int) bool { return list[i].SeenAt.After(list[j].SeenAt) })
	if len(list) > models.MaxConnections {
		list = list[:models.MaxConnections]
	}
	return list, true
}

func sortCredentials(creds []models.Credential) {
	sort.Slice(creds, func(i, j int) bool {
		if creds[i].ServerID != creds[j].ServerID {
			return creds[i].ServerID < creds[j].ServerID
		}
		return creds[i].Name < creds[j].Name
	})
}
