package pci

import "fmt"

// HeaderType selects the layout of registers 4 through 15.
type HeaderType int

const (
	HeaderDevice HeaderType = iota
	HeaderBridge
)

const headerTypeMultifunction uint8 = 0x80

type ClassCode uint8

const (
	ClassTooOld ClassCode = iota
	ClassMassStorage
	ClassNetworkController
	ClassDisplayController
	ClassMultimediaController
	ClassMemoryController
	ClassBridgeDevice
	ClassSimpleCommunicationController
	ClassBaseSystemPeripheral
	ClassInputDevice
	ClassDockingStation
	ClassProcessor
	ClassSerialBusController
	ClassWirelessController
	ClassIntelligentIoController
	ClassSatelliteCommunicationController
	ClassEncryptionController
	ClassDataAcquisitionSignalProcessing
	ClassProcessingAccelerator
	ClassNonEssentialInstrumentation
	ClassOther ClassCode = 0xff
)

// ParseClassCode rejects values with no defined class.
func ParseClassCode(v uint8) (ClassCode, error) {
	if v <= uint8(ClassNonEssentialInstrumentation) || v == uint8(ClassOther) {
		return ClassCode(v), nil
	}
	return 0, fmt.Errorf("pci: unknown class code %#x", v)
}

// Subclass is interpreted relative to a ClassCode.
type Subclass uint8

const (
	MassStorageScsi              Subclass = 0x00
	MassStorageNonVolatileMemory Subclass = 0x08
	MassStorageOther             Subclass = 0x80

	NetworkControllerOther Subclass = 0x80

	DisplayVgaCompatible Subclass = 0x00
	DisplayXgaCompatible Subclass = 0x01
	Display3DController  Subclass = 0x02
	DisplayOther         Subclass = 0x80

	MultimediaVideoController Subclass = 0x00
	MultimediaAudioController Subclass = 0x01
	MultimediaTelephony       Subclass = 0x02
	MultimediaAudioDevice     Subclass = 0x03
	MultimediaOther           Subclass = 0x80

	BridgeHost                    Subclass = 0x00
	BridgeIsa                     Subclass = 0x01
	BridgeEisa                    Subclass = 0x02
	BridgeMca                     Subclass = 0x03
	BridgePciToPci                Subclass = 0x04
	BridgePcmcia                  Subclass = 0x05
	BridgeNuBus                   Subclass = 0x06
	BridgeCardBus                 Subclass = 0x07
	BridgeRaceWay                 Subclass = 0x08
	BridgePciToPciSemiTransparent Subclass = 0x09
	BridgeInfiniBandToPciHost     Subclass = 0x0a
	BridgeOther                   Subclass = 0x80
	SimpleCommunicationOther      Subclass = 0x80
	BaseSystemPeripheralIommu     Subclass = 0x06
	BaseSystemPeripheralOther     Subclass = 0x80
	InputDeviceOther              Subclass = 0x80
	SerialBusFirewire             Subclass = 0x00
	SerialBusAccessBus            Subclass = 0x01
	SerialBusSsa                  Subclass = 0x02
	SerialBusUsb                  Subclass = 0x03
	WirelessControllerOther       Subclass = 0x80
	OtherSubclass                 Subclass = 0xff
)

// CapabilityID is the first byte of every capability structure.
type CapabilityID uint8

const (
	CapListID                        CapabilityID = 0x00
	CapPowerManagement               CapabilityID = 0x01
	CapAcceleratedGraphicsPort       CapabilityID = 0x02
	CapVitalProductData              CapabilityID = 0x03
	CapSlotIdentification            CapabilityID = 0x04
	CapMessageSignalledInterrupts    CapabilityID = 0x05
	CapCompactPciHotSwap             CapabilityID = 0x06
	CapPcix                          CapabilityID = 0x07
	CapHyperTransport                CapabilityID = 0x08
	CapVendorSpecific                CapabilityID = 0x09
	CapDebugport                     CapabilityID = 0x0a
	CapCompactPciCentralResourceCtl  CapabilityID = 0x0b
	CapPciStandardHotPlugController  CapabilityID = 0x0c
	CapBridgeSubsystemVendorDeviceID CapabilityID = 0x0d
	CapAgpTargetPciPciBridge         CapabilityID = 0x0e
	CapSecureDevice                  CapabilityID = 0x0f
	CapPciExpress                    CapabilityID = 0x10
	CapMsix                          CapabilityID = 0x11
	CapSataDataIndexConf             CapabilityID = 0x12
	CapPciAdvancedFeatures           CapabilityID = 0x13
	CapPciEnhancedAllocation         CapabilityID = 0x14
)

// InterruptPin is the legacy INTx pin a function raises.
type InterruptPin uint8

const (
	IntA InterruptPin = iota
	IntB
	IntC
	IntD
)
