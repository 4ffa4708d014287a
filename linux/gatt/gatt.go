// Package gatt implements ATT-driven GATT discovery and subscription over
// one connection's ACL stream (spec §4.6): primary service enumeration,
// characteristic declaration decoding, lazy descriptor enumeration on first
// subscribe, and CCCD-based subscribe/unsubscribe.
package gatt

import (
	"context"
	"fmt"

	"github.com/wk8/go-ordered-map/v2"

	"github.com/srg/blecentral/bleuuid"
	"github.com/srg/blecentral/central"
	"github.com/srg/blecentral/linux/hci"
)

// Requester is the subset of *acl.Stream a GATT session needs: a single
// write-then-wait-for-response round trip. Defined as an interface so
// discovery logic can be tested without a real socket.
type Requester interface {
	SendRequest(bytes []byte) ([]byte, error)
	SendCommand(bytes []byte) error
	BindCharacteristic(valueHandle uint16, uuid bleuuid.UUID)
}

const (
	firstHandle = 0x0001
	lastHandle  = 0xFFFF
)

// charEntry tracks what discovery needs beyond the portable
// *central.Characteristic: its value handle and, once known, the handle of
// its Client Characteristic Configuration descriptor.
type charEntry struct {
	valueHandle  uint16
	endHandle    uint16 // inclusive upper bound of this char's attribute range
	cccdHandle   uint16
	cccdResolved bool
}

// Session is one connection's GATT discovery/subscription state, built on
// top of an ACL stream.
type Session struct {
	req Requester

	services    *orderedmap.OrderedMap[bleuuid.UUID, *central.Service]
	charEntries map[bleuuid.UUID]*charEntry // keyed by characteristic UUID
}

// NewSession wraps req (normally a *acl.Stream) as a GATT discovery session.
func NewSession(req Requester) *Session {
	return &Session{
		req:         req,
		services:    orderedmap.New[bleuuid.UUID, *central.Service](),
		charEntries: map[bleuuid.UUID]*charEntry{},
	}
}

// DiscoverServices runs discovery steps 1-2 of spec §4.6 (primary services,
// then characteristics); descriptor enumeration, step 3, is deferred to the
// first Subscribe call on each characteristic.
func (s *Session) DiscoverServices(ctx context.Context) ([]*central.Service, error) {
	ranges, err := s.discoverPrimaryServices()
	if err != nil {
		return nil, err
	}
	for _, r := range ranges {
		svc := central.NewService(r.UUID, true)
		if err := s.discoverCharacteristics(svc, r.StartHandle, r.EndHandle); err != nil {
			return nil, err
		}
		s.services.Set(r.UUID, svc)
	}
	return s.ServiceList(), nil
}

// ServiceList returns discovered services in discovery (first-seen) order.
func (s *Session) ServiceList() []*central.Service {
	out := make([]*central.Service, 0, s.services.Len())
	for pair := s.services.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// discoverPrimaryServices issues Read-By-Group-Type Requests over the full
// handle range (spec §4.6 step 1), paging through AttEcodeAttrNotFound as
// "end of range" per the ATT spec's pagination convention.
func (s *Session) discoverPrimaryServices() ([]hci.PrimaryServiceRange, error) {
	var out []hci.PrimaryServiceRange
	start := uint16(firstHandle)
	for {
		req := hci.EncodeReadByGroupRequest(start, lastHandle, bleuuid.PrimaryService)
		resp, err := s.req.SendRequest(req)
		if err != nil {
			return nil, central.Other(err)
		}
		if errResp, isErr := asErrorResponse(resp); isErr {
			if errResp.ErrorCode == hci.AttEcodeAttrNotFound {
				break
			}
			return nil, attError(errResp)
		}
		ranges, err := hci.DecodeReadByGroupResponse(resp)
		if err != nil {
			return nil, central.Other(err)
		}
		if len(ranges) == 0 {
			break
		}
		out = append(out, ranges...)
		last := ranges[len(ranges)-1]
		if last.EndHandle == lastHandle {
			break
		}
		start = last.EndHandle + 1
	}
	return out, nil
}

// discoverCharacteristics issues Read-By-Type Requests for 0x2803
// (characteristic declaration) across [start, end] (spec §4.6 step 2),
// populating svc and this session's charEntries.
func (s *Session) discoverCharacteristics(svc *central.Service, start, end uint16) error {
	var decls []hci.CharacteristicDeclaration
	from := start
	for from <= end {
		req := hci.EncodeReadByTypeRequest(from, end, bleuuid.CharacteristicDecl)
		resp, err := s.req.SendRequest(req)
		if err != nil {
			return central.Other(err)
		}
		if errResp, isErr := asErrorResponse(resp); isErr {
			if errResp.ErrorCode == hci.AttEcodeAttrNotFound {
				break
			}
			return attError(errResp)
		}
		batch, err := hci.DecodeCharacteristicDeclarations(resp)
		if err != nil {
			return central.Other(err)
		}
		if len(batch) == 0 {
			break
		}
		decls = append(decls, batch...)
		last := batch[len(batch)-1]
		if last.Handle == end {
			break
		}
		from = last.Handle + 1
	}

	for i, d := range decls {
		charEnd := end
		if i+1 < len(decls) {
			charEnd = decls[i+1].Handle - 1
		}
		props := central.CharPropFlags(d.Properties)
		c := central.NewCharacteristic(svc.UUID, d.UUID, props)
		svc.Characteristics.Set(d.UUID, c)
		s.charEntries[d.UUID] = &charEntry{valueHandle: d.ValueHandle, endHandle: charEnd}
		s.req.BindCharacteristic(d.ValueHandle, d.UUID)
	}
	return nil
}

// discoverDescriptors runs step 3 of spec §4.6 for one characteristic,
// issuing one Read-By-Type for the CCCD type across the value handle's
// attribute range and recording the CCCD handle subscribe needs. Descriptors
// of other types are not looked up or recorded.
func (s *Session) discoverDescriptors(c *central.Characteristic, entry *charEntry) error {
	if entry.valueHandle >= entry.endHandle {
		entry.cccdResolved = true
		return nil
	}
	start := entry.valueHandle + 1
	for start <= entry.endHandle {
		req := hci.EncodeReadByTypeRequest(start, entry.endHandle, bleuuid.ClientCharacteristicConfig)
		resp, err := s.req.SendRequest(req)
		if err != nil {
			return central.Other(err)
		}
		if errResp, isErr := asErrorResponse(resp); isErr {
			if errResp.ErrorCode == hci.AttEcodeAttrNotFound {
				break
			}
			return attError(errResp)
		}
		values, err := hci.DecodeReadByTypeValues(resp)
		if err != nil {
			return central.Other(err)
		}
		for _, v := range values {
			d := central.Descriptor{
				ServiceUUID:        c.ServiceUUID,
				CharacteristicUUID: c.UUID,
				UUID:               bleuuid.ClientCharacteristicConfig,
			}
			c.Descriptors.Set(d.UUID, d)
			entry.cccdHandle = v.Handle
		}
		break // CCCD is the only descriptor type this enumeration looks for
	}
	entry.cccdResolved = true
	return nil
}

// Subscribe enables notify (or indicate, if the characteristic only
// supports that) by writing the CCCD handle, discovering descriptors first
// if this is the first Subscribe call on c (spec §4.6 step 3).
func (s *Session) Subscribe(ctx context.Context, c *central.Characteristic) error {
	entry, ok := s.charEntries[c.UUID]
	if !ok {
		return central.Wrap(central.KindDeviceNotFound, fmt.Errorf("characteristic %s not discovered", c.UUID))
	}
	if !entry.cccdResolved {
		if err := s.discoverDescriptors(c, entry); err != nil {
			return err
		}
	}
	if entry.cccdHandle == 0 {
		return central.NotSupported("characteristic has no client characteristic configuration descriptor")
	}
	value := hci.CCCDNotifyEnable
	if c.Properties.Has(central.CharIndicate) && !c.Properties.Has(central.CharNotify) {
		value = hci.CCCDIndicateEnable
	}
	return s.writeCCCD(entry.cccdHandle, value)
}

// Unsubscribe disables both notify and indicate for c.
func (s *Session) Unsubscribe(ctx context.Context, c *central.Characteristic) error {
	entry, ok := s.charEntries[c.UUID]
	if !ok || !entry.cccdResolved || entry.cccdHandle == 0 {
		return nil
	}
	return s.writeCCCD(entry.cccdHandle, hci.CCCDDisable)
}

func (s *Session) writeCCCD(handle uint16, value []byte) error {
	resp, err := s.req.SendRequest(hci.EncodeWriteRequest(handle, value))
	if err != nil {
		return central.Other(err)
	}
	if errResp, isErr := asErrorResponse(resp); isErr {
		return attError(errResp)
	}
	return nil
}

// Read issues an ATT Read Request for c's value handle.
func (s *Session) Read(ctx context.Context, c *central.Characteristic) ([]byte, error) {
	entry, ok := s.charEntries[c.UUID]
	if !ok {
		return nil, central.Wrap(central.KindDeviceNotFound, fmt.Errorf("characteristic %s not discovered", c.UUID))
	}
	resp, err := s.req.SendRequest([]byte{hci.AttOpReadReq, byte(entry.valueHandle), byte(entry.valueHandle >> 8)})
	if err != nil {
		return nil, central.Other(err)
	}
	if errResp, isErr := asErrorResponse(resp); isErr {
		return nil, attError(errResp)
	}
	if len(resp) < 1 || resp[0] != hci.AttOpReadResp {
		return nil, central.Other(fmt.Errorf("unexpected ATT response opcode 0x%02x", firstByte(resp)))
	}
	return append([]byte(nil), resp[1:]...), nil
}

// Write issues an ATT Write Request or Write Command for c's value handle,
// per wt. A WriteWithoutResponse request on a characteristic lacking that
// property is transparently upgraded to WriteWithResponse (spec §8 boundary
// behavior).
func (s *Session) Write(ctx context.Context, c *central.Characteristic, data []byte, wt central.WriteType) error {
	entry, ok := s.charEntries[c.UUID]
	if !ok {
		return central.Wrap(central.KindDeviceNotFound, fmt.Errorf("characteristic %s not discovered", c.UUID))
	}
	effective := wt
	if effective == central.WriteWithoutResponse && !c.Properties.Has(central.CharWriteWithoutResponse) {
		effective = central.WriteWithResponse
	}
	if effective == central.WriteWithoutResponse {
		return s.req.SendCommand(hci.EncodeWriteCommand(entry.valueHandle, data))
	}
	resp, err := s.req.SendRequest(hci.EncodeWriteRequest(entry.valueHandle, data))
	if err != nil {
		return central.Other(err)
	}
	if errResp, isErr := asErrorResponse(resp); isErr {
		return attError(errResp)
	}
	return nil
}

// ReadDescriptor issues an ATT Read Request for d's handle. d must already
// have been discovered via a prior Subscribe call on its characteristic.
func (s *Session) ReadDescriptor(ctx context.Context, d *central.Descriptor) ([]byte, error) {
	entry, ok := s.charEntries[d.CharacteristicUUID]
	if !ok || !entry.cccdResolved || entry.cccdHandle == 0 {
		return nil, central.NotSupported("descriptor not discovered")
	}
	resp, err := s.req.SendRequest([]byte{hci.AttOpReadReq, byte(entry.cccdHandle), byte(entry.cccdHandle >> 8)})
	if err != nil {
		return nil, central.Other(err)
	}
	if errResp, isErr := asErrorResponse(resp); isErr {
		return nil, attError(errResp)
	}
	return append([]byte(nil), resp[1:]...), nil
}

// WriteDescriptor issues an ATT Write Request for d's handle.
func (s *Session) WriteDescriptor(ctx context.Context, d *central.Descriptor, data []byte) error {
	entry, ok := s.charEntries[d.CharacteristicUUID]
	if !ok || !entry.cccdResolved || entry.cccdHandle == 0 {
		return central.NotSupported("descriptor not discovered")
	}
	return s.writeCCCD(entry.cccdHandle, data)
}

func asErrorResponse(b []byte) (hci.ErrorResponse, bool) {
	if len(b) == 0 || b[0] != hci.AttOpError {
		return hci.ErrorResponse{}, false
	}
	er, err := hci.DecodeErrorResponse(b)
	if err != nil {
		return hci.ErrorResponse{}, false
	}
	return er, true
}

func attError(er hci.ErrorResponse) error {
	switch er.ErrorCode {
	case hci.AttEcodeReqNotSupp:
		return central.NotSupported(fmt.Sprintf("ATT request 0x%02x not supported", er.RequestOpcode))
	case hci.AttEcodeInvalidHandle, hci.AttEcodeAttrNotFound:
		return central.ErrDeviceNotFound
	default:
		return central.Other(fmt.Errorf("ATT error 0x%02x for request 0x%02x, handle 0x%04x", er.ErrorCode, er.RequestOpcode, er.Handle))
	}
}

func firstByte(b []byte) byte {
	if len(b) == 0 {
		return 0
	}
	return b[0]
}
