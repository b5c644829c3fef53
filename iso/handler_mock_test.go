/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package iso

import (
	"errors"
	"testing"

	"github.com/ffado/streamcore/bus"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

// These exercise Handler's bus.Service call sequence and error propagation
// against a MockGen-generated mock rather than bus.Loopback, which always
// succeeds and so can't drive the error paths below.

func TestHandlerPrepareWrapsCreateIsoContextError(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	svc := NewMockBusService(ctrl)
	svc.EXPECT().CreateIsoContext(bus.DirectionReceive, 3, bus.Speed400, 1024, 8, 8).
		Return(bus.ContextHandle(0), bus.ErrResource)

	h := NewHandler(svc, bus.DirectionReceive, 3, bus.Speed400, 1024, 8, 8, 0)
	err := h.Prepare()
	require.Error(t, err)
	require.ErrorIs(t, err, bus.ErrResource)
}

func TestHandlerEnableCallsStartIsoWithHandleFromPrepare(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	svc := NewMockBusService(ctrl)
	const handle = bus.ContextHandle(42)
	svc.EXPECT().CreateIsoContext(bus.DirectionTransmit, 1, bus.Speed400, 1024, 8, 8).Return(handle, nil)
	svc.EXPECT().StartIso(handle, 100, uint8(1), uint8(2)).Return(nil)

	h := NewHandler(svc, bus.DirectionTransmit, 1, bus.Speed400, 1024, 8, 8, 0)
	require.NoError(t, h.Prepare())
	require.NoError(t, h.Enable(100, 1, 2))
}

func TestHandlerEnablePropagatesStartIsoError(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	svc := NewMockBusService(ctrl)
	wantErr := errors.New("bus reset in progress")
	svc.EXPECT().CreateIsoContext(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(bus.ContextHandle(1), nil)
	svc.EXPECT().StartIso(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(wantErr)

	h := NewHandler(svc, bus.DirectionReceive, 0, bus.Speed400, 1024, 8, 8, 0)
	require.NoError(t, h.Prepare())

	err := h.Enable(-1, 0, 0)
	require.Error(t, err)
	require.ErrorIs(t, err, wantErr)
}

func TestHandlerDestroyPropagatesDestroyContextError(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	svc := NewMockBusService(ctrl)
	const handle = bus.ContextHandle(7)
	wantErr := errors.New("device gone")
	svc.EXPECT().CreateIsoContext(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(handle, nil)
	svc.EXPECT().DestroyContext(handle).Return(wantErr)

	h := NewHandler(svc, bus.DirectionReceive, 0, bus.Speed400, 1024, 8, 8, 0)
	require.NoError(t, h.Prepare())
	require.ErrorIs(t, h.Destroy(), wantErr)
}
