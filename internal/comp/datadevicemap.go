package comp

// deviceKey identifies one wl_data_device binding: clients bind a data
// device per seat, so the sink index is keyed by both.
type deviceKey struct {
	seat   string
	client ClientID
}

// DataDeviceMap is the canonical (seat, client) to drag-sink index. The
// data-device subsystem registers a sink when a client binds wl_data_device
// on a seat; the inbound drag bridge resolves delivery through it.
type DataDeviceMap struct {
	byKey map[deviceKey]DragSink
}

func NewDataDeviceMap() *DataDeviceMap {
	return &DataDeviceMap{byKey: make(map[deviceKey]DragSink)}
}

// Add registers a client's drag sink on a seat, replacing any previous one.
func (m *DataDeviceMap) Add(seat string, client ClientID, sink DragSink) {
	m.byKey[deviceKey{seat, client}] = sink
}

// Remove drops a client's sink on a seat; safe for a binding never added.
func (m *DataDeviceMap) Remove(seat string, client ClientID) {
	delete(m.byKey, deviceKey{seat, client})
}

// DragSink implements DataDevices.
func (m *DataDeviceMap) DragSink(seat string, client ClientID) DragSink {
	return m.byKey[deviceKey{seat, client}]
}
