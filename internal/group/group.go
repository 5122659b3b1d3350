package group

import "sync"

// Group represents a group.
type Group struct {
	ID      string
	Owner   string
	Members map[string]struct{}
}

// Manager represents a manager.
type Manager struct {
	mu           sync.Mutex
	deviceGroups map[string]string
	groups       map[string]*Group
}

// NewManager executes the newManager function.
func NewManager() *Manager {
	return &Manager{
		deviceGroups: make(map[string]string),
		groups:       make(map[string]*Group),
	}
}

// RegisterDevice executes the registerDevice method.
func (m *Manager) RegisterDevice(deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.deviceGroups[deviceID]; !ok {
		m.deviceGroups[deviceID] = ""
	}
}

// RemoveDevice executes the removeDevice method.
func (m *Manager) RemoveDevice(deviceID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	groupID := m.deviceGroups[deviceID]
	if groupID == "" {
		delete(m.deviceGroups, deviceID)
		return nil
	}
	group, ok := m.groups[groupID]
	if !ok {
		delete(m.deviceGroups, deviceID)
		return nil
	}
	delete(group.Members, deviceID)
	delete(m.deviceGroups, deviceID)

	if group.Owner == deviceID {
		for member := range group.Members {
			group.Owner = member
			break
		}
	}
	if len(group.Members) == 0 {
		delete(m.groups, groupID)
		return nil
	}
	members := make([]string, 0, len(group.Members))
	for member := range group.Members {
		members = append(members, member)
	}
	return members
}

// AddDevice executes the addDevice method.
func (m *Manager) AddDevice(owner string, joiner string) (bool, string, []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.deviceGroups[joiner]; !ok {
		return false, "Device does not exist", nil
	}
	if m.deviceGroups[joiner] != "" {
		return false, "Device already in group", nil
	}
	groupID := m.deviceGroups[owner]
	if groupID == "" {
		groupID = "group_" + owner
		m.groups[groupID] = &Group{ID: groupID, Owner: owner, Members: map[string]struct{}{owner: {}}}
		m.deviceGroups[owner] = groupID
	}
	group := m.groups[groupID]
	group.Members[joiner] = struct{}{}
	m.deviceGroups[joiner] = groupID

	members := make([]string, 0, len(group.Members))
	for member := range group.Members {
		members = append(members, member)
	}
	return true, "Device added to group", members
}

// RemoveDeviceFromGroup executes the removeDeviceFromGroup method.
func (m *Manager) RemoveDeviceFromGroup(remover string, target string) (bool, string, []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	groupID := m.deviceGroups[target]
	if groupID == "" {
		return false, "Target not in group", nil
	}
	group := m.groups[groupID]
	if remover != group.Owner && remover != target {
		return false, "Only owner or self can remove", nil
	}
	delete(group.Members, target)
	m.deviceGroups[target] = ""
	if len(group.Members) == 0 {
		delete(m.groups, groupID)
		return true, "Group removed", nil
	}
	members := make([]string, 0, len(group.Members))
	for member := range group.Members {
		members = append(members, member)
	}
	return true, "Device removed from group", members
}

// GetGroupMembers executes the getGroupMembers method.
func (m *Manager) GetGroupMembers(deviceID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	groupID := m.deviceGroups[deviceID]
	if groupID == "" {
		return nil
	}
	group := m.groups[groupID]
	if group == nil {
		return nil
	}
	members := make([]string, 0, len(group.Members))
	for member := range group.Members {
		members = append(members, member)
	}
	return members
}

// IsOwner executes the isOwner method.
func (m *Manager) IsOwner(deviceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	groupID := m.deviceGroups[deviceID]
	if groupID == "" {
		return false
	}
	group := m.groups[groupID]
	if group == nil {
		return false
	}
	return group.Owner == deviceID
}
