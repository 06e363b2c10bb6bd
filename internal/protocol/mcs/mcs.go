// Package mcs implements the T.125 Multipoint Communication Service PDUs used
// by RDP: the BER encoded connect PDUs and the PER encoded domain PDUs.
package mcs

import "errors"

// Result values (T.125 Result enumeration).
const (
	RTSuccessful uint8 = iota
	RTDomainMerging
	RTDomainNotHierarchical
	RTNoSuchChannel
	RTNoSuchDomain
	RTNoSuchUser
	RTNotAdmitted
	RTOtherUserId
	RTParametersUnacceptable
	RTTokenNotAvailable
	RTTokenNotPossessed
	RTTooManyChannels
	RTTooManyTokens
	RTTooManyUsers
	RTUnspecifiedFailure
	RTUserRejected
)

// Reason values (T.125 Reason enumeration).
const (
	RNDomainDisconnected uint8 = iota
	RNProviderInitiated
	RNTokenPurged
	RNUserRequested
	RNChannelPurged
)

const (
	// UserChannelBase is the minimum value of a user channel / initiator id.
	UserChannelBase uint16 = 1001

	// GlobalChannelID is the conventional I/O channel id announced by servers.
	GlobalChannelID uint16 = 1003

	// sendDataPriority is the dataPriority/segmentation octet (high priority, begin and end).
	sendDataPriority uint8 = 0x70
)

var (
	ErrUnknownConnectApplication = errors.New("unknown connect application")
	ErrUnknownDomainApplication  = errors.New("unknown domain application")
	ErrDisconnectUltimatum       = errors.New("disconnect ultimatum")
	ErrTrailingData              = errors.New("trailing data after MCS PDU")
	ErrLengthMismatch            = errors.New("MCS length mismatch")
)
