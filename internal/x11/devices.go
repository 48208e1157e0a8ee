package x11

import (
	"github.com/BurntSushi/xgb/xinput"
	"github.com/BurntSushi/xgb/xproto"
)

// Device type constants, re-exported so callers outside this package do not
// touch the generated bindings.
const (
	MasterPointer  = xinput.DeviceTypeMasterPointer
	MasterKeyboard = xinput.DeviceTypeMasterKeyboard
)

// Hierarchy change flags the seat registry reacts to.
const (
	HierarchyMasterAdded    = xinput.HierarchyMaskMasterAdded
	HierarchyMasterRemoved  = xinput.HierarchyMaskMasterRemoved
	HierarchyDeviceEnabled  = xinput.HierarchyMaskDeviceEnabled
	HierarchyDeviceDisabled = xinput.HierarchyMaskDeviceDisabled
)

// DeviceInfo describes one input device as reported by XIQueryDevice.
type DeviceInfo struct {
	ID         DeviceID
	Type       uint16
	Attachment DeviceID
	Enabled    bool
	Name       string
	Scrolls    []ScrollClass
}

// QueryDevice fetches a single device's classes. A device that disappeared
// mid-query reports ErrGone.
func (c *Conn) QueryDevice(dev DeviceID) (DeviceInfo, error) {
	reply, err := xinput.XIQueryDevice(c.X, xinput.DeviceId(dev)).Reply()
	if err != nil {
		return DeviceInfo{}, gone(err)
	}
	for _, info := range reply.Infos {
		if DeviceID(info.Deviceid) != dev {
			continue
		}
		return DeviceInfo{
			ID:         DeviceID(info.Deviceid),
			Type:       info.Type,
			Attachment: DeviceID(info.Attachment),
			Enabled:    info.Enabled,
			Name:       info.Name,
			Scrolls:    scrollClasses(info.Classes),
		}, nil
	}
	return DeviceInfo{}, ErrGone
}

// QueryDevices fetches every master device currently present.
func (c *Conn) QueryDevices() ([]DeviceInfo, error) {
	reply, err := xinput.XIQueryDevice(c.X, xinput.DeviceAll).Reply()
	if err != nil {
		return nil, err
	}
	var out []DeviceInfo
	for _, info := range reply.Infos {
		if info.Type != xinput.DeviceTypeMasterPointer &&
			info.Type != xinput.DeviceTypeMasterKeyboard {
			continue
		}
		out = append(out, DeviceInfo{
			ID:         DeviceID(info.Deviceid),
			Type:       info.Type,
			Attachment: DeviceID(info.Attachment),
			Enabled:    info.Enabled,
			Name:       info.Name,
			Scrolls:    scrollClasses(info.Classes),
		})
	}
	return out, nil
}

// QueryPointer returns the pointer position and the direct child of win
// containing it.
func (c *Conn) QueryPointer(dev DeviceID, win xproto.Window) (x, y float64, child xproto.Window, buttons ButtonMask, err error) {
	reply, err := xinput.XIQueryPointer(c.X, win, xinput.DeviceId(dev)).Reply()
	if err != nil {
		return 0, 0, 0, nil, gone(err)
	}
	return fp1616(reply.RootX), fp1616(reply.RootY), reply.Child, ButtonMask(reply.Buttons), nil
}

// scrollClasses extracts the scroll axes from a device class list.
func scrollClasses(classes []xinput.DeviceClass) []ScrollClass {
	var out []ScrollClass
	for _, class := range classes {
		if class.Type != xinput.DeviceClassTypeScroll {
			continue
		}
		scroll := class.Data.Scroll
		out = append(out, ScrollClass{
			Number:      scroll.Number,
			Horizontal:  scroll.ScrollType == xinput.ScrollTypeHorizontal,
			Increment:   fp3232(scroll.Increment),
			NoEmulation: scroll.Flags&xinput.ScrollFlagsNoEmulation != 0,
		})
	}
	return out
}
