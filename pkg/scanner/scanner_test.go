package scanner

import (
	"context"
	"testing"

	"github.com/netlab/vimport/pkg/api"
	"github.com/netlab/vimport/pkg/api/apitest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const isoPath = "/var/lib/vimport/isos/refplat.iso"

func twoDefsThreeImages() *api.ScanResponse {
	return &api.ScanResponse{
		SessionID: "scan-1",
		ISOPath:   isoPath,
		Format:    "virl2",
		SizeBytes: 25 << 20,
		DeviceDefinitions: []api.DeviceDefinition{
			{ID: "iosv", Label: "IOSv", Nature: "router", Vendor: "Cisco", RAMMB: 512, CPUCount: 1, InterfaceNames: []string{"Gi0/0", "Gi0/1"}},
			{ID: "nxosv", Label: "NX-OSv", Nature: "switch", Vendor: "Cisco", RAMMB: 8192, CPUCount: 2},
		},
		Images: []api.Image{
			{ID: "iosv-158-3", DeviceDefinitionID: "iosv", Version: "15.8(3)", DiskImageFilename: "vios-158-3.qcow2", ImageType: "qcow2"},
			{ID: "iosv-159-3", DeviceDefinitionID: "iosv", Version: "15.9(3)", DiskImageFilename: "vios-159-3.qcow2", ImageType: "qcow2"},
			{ID: "nxosv-9300", DeviceDefinitionID: "nxosv", Version: "10.4.2", DiskImageFilename: "nxosv.qcow2", ImageType: "qcow2"},
		},
	}
}

func TestScan_Catalog(t *testing.T) {
	srv := apitest.NewServer(t)
	srv.Scans[isoPath] = twoDefsThreeImages()
	c := NewClient(srv.Client(t))

	res, err := c.Scan(context.Background(), isoPath)
	require.NoError(t, err)

	assert.Equal(t, "scan-1", res.SessionID)
	assert.Equal(t, isoPath, res.ArtifactPath)
	assert.Len(t, res.DeviceDefinitions, 2)
	assert.Equal(t, []string{"iosv-158-3", "iosv-159-3", "nxosv-9300"}, res.ImageIDs())

	def, ok := res.DeviceDefinition("iosv")
	require.True(t, ok)
	assert.Equal(t, []string{"Gi0/0", "Gi0/1"}, def.InterfaceNames)
}

func TestScan_ParseWarningsStillSucceed(t *testing.T) {
	srv := apitest.NewServer(t)
	resp := twoDefsThreeImages()
	resp.ParseErrors = []string{"unrecognized entry: extras/readme.yaml"}
	srv.Scans[isoPath] = resp
	c := NewClient(srv.Client(t))

	res, err := c.Scan(context.Background(), isoPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"unrecognized entry: extras/readme.yaml"}, res.ParseErrors)
}

func TestScan_ServerErrorIsVerbatim(t *testing.T) {
	srv := apitest.NewServer(t)
	srv.ScanError = "Unsupported ISO format"
	c := NewClient(srv.Client(t))

	res, err := c.Scan(context.Background(), isoPath)
	assert.Nil(t, res)

	var scanErr *ScanError
	require.ErrorAs(t, err, &scanErr)
	assert.Equal(t, "Unsupported ISO format", scanErr.Message)
}

func TestScan_DanglingDeviceDefinition(t *testing.T) {
	srv := apitest.NewServer(t)
	resp := twoDefsThreeImages()
	resp.Images[2].DeviceDefinitionID = "csr1000v"
	srv.Scans[isoPath] = resp
	c := NewClient(srv.Client(t))

	_, err := c.Scan(context.Background(), isoPath)

	var scanErr *ScanError
	require.ErrorAs(t, err, &scanErr)
	assert.Contains(t, scanErr.Message, "unknown device definition")
}

func TestScan_DuplicateImageID(t *testing.T) {
	srv := apitest.NewServer(t)
	resp := twoDefsThreeImages()
	resp.Images[1].ID = resp.Images[0].ID
	srv.Scans[isoPath] = resp
	c := NewClient(srv.Client(t))

	_, err := c.Scan(context.Background(), isoPath)

	var scanErr *ScanError
	require.ErrorAs(t, err, &scanErr)
	assert.Contains(t, scanErr.Message, "duplicate image id")
}
