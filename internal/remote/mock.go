package remote

import (
	"context"
	"io"
	"sync"
)

// MockClient is an in-memory Client used by other packages' tests so they
// don't need a live API. Items are keyed by ID; DeltaPages is consumed in
// order, one slice element per GetDelta call.
type MockClient struct {
	mu sync.Mutex

	Items      map[string]*Item
	DeltaPages []*DeltaPage

	Uploaded []UploadCall
	Deleted  []string
	Renamed  []RenameCall
	Created  []CreateCall

	NextUploadID int

	FailNextDownload error
	FailNextUpload   error
}

type UploadCall struct {
	ParentID string
	Name     string
	Content  []byte
}

type RenameCall struct {
	ID          string
	NewName     string
	NewParentID string
}

type CreateCall struct {
	ParentID string
	Name     string
}

func NewMockClient() *MockClient {
	return &MockClient{Items: make(map[string]*Item)}
}

func (m *MockClient) GetDelta(ctx context.Context, cursor string) (*DeltaPage, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.DeltaPages) == 0 {
		return &DeltaPage{}, false, nil
	}
	page := m.DeltaPages[0]
	m.DeltaPages = m.DeltaPages[1:]
	return page, len(m.DeltaPages) > 0, nil
}

func (m *MockClient) GetItemByID(ctx context.Context, id string) (*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.Items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return item, nil
}

func (m *MockClient) Download(ctx context.Context, url string, w io.Writer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailNextDownload != nil {
		err := m.FailNextDownload
		m.FailNextDownload = nil
		return err
	}
	_, err := w.Write([]byte(url))
	return err
}

func (m *MockClient) Upload(ctx context.Context, parentID, name string, content io.Reader, size int64) (*Item, error) {
	data, err := io.ReadAll(content)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailNextUpload != nil {
		err := m.FailNextUpload
		m.FailNextUpload = nil
		return nil, err
	}
	m.Uploaded = append(m.Uploaded, UploadCall{ParentID: parentID, Name: name, Content: data})
	m.NextUploadID++
	item := &Item{
		ID:     syntheticID("up", m.NextUploadID),
		Name:   name,
		Size:   uint64(len(data)),
		Parent: &Parent{ID: parentID},
		File:   &FileFacet{},
	}
	m.Items[item.ID] = item
	return item, nil
}

func (m *MockClient) CreateFolder(ctx context.Context, parentID, name string) (*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Created = append(m.Created, CreateCall{ParentID: parentID, Name: name})
	m.NextUploadID++
	item := &Item{
		ID:     syntheticID("fold", m.NextUploadID),
		Name:   name,
		Parent: &Parent{ID: parentID},
		Folder: &FolderFacet{},
	}
	m.Items[item.ID] = item
	return item, nil
}

func (m *MockClient) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Deleted = append(m.Deleted, id)
	delete(m.Items, id)
	return nil
}

func (m *MockClient) Rename(ctx context.Context, id, newName, newParentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Renamed = append(m.Renamed, RenameCall{ID: id, NewName: newName, NewParentID: newParentID})
	if item, ok := m.Items[id]; ok {
		item.Name = newName
		item.Parent = &Parent{ID: newParentID}
	}
	return nil
}

func syntheticID(prefix string, n int) string {
	const digits = "0123456789"
	buf := []byte(prefix + "-")
	if n == 0 {
		return string(append(buf, '0'))
	}
	var rev []byte
	for n > 0 {
		rev = append(rev, digits[n%10])
		n /= 10
	}
	for i := len(rev) - 1; i >= 0; i-- {
		buf = append(buf, rev[i])
	}
	return string(buf)
}

var _ Client = (*MockClient)(nil)
